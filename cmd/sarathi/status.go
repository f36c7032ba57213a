package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ent0n29/sarathi/internal/app"
	"github.com/ent0n29/sarathi/internal/observability"
	"github.com/ent0n29/sarathi/internal/turn"
	"github.com/ent0n29/sarathi/internal/voice"
)

var (
	accent   = lipgloss.Color("#00ff9f")
	dim      = lipgloss.Color("#6e7681")
	warn     = lipgloss.Color("#ff5f87")
	botStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	youStyle = lipgloss.NewStyle().Bold(true)
	dimStyle = lipgloss.NewStyle().Foreground(dim)
	errStyle = lipgloss.NewStyle().Foreground(warn)
	onStyle  = lipgloss.NewStyle().Foreground(accent)
)

func indicator(label string, on bool) string {
	if on {
		return onStyle.Render("● " + label)
	}
	return dimStyle.Render("○ " + label)
}

// renderStatus is the one-line session summary printed on state changes.
func renderStatus(s voice.Snapshot) string {
	parts := []string{
		indicator("connected", s.Connected),
		indicator("mic", s.MicRunning),
		indicator("playing", s.Playing),
	}
	if s.ToolStatus != "" {
		parts = append(parts, dimStyle.Render(s.ToolStatus))
	}
	if s.LastError != "" {
		parts = append(parts, errStyle.Render(s.LastError))
	}
	return strings.Join(parts, "  ")
}

func renderDevices(dev app.DeviceInfo) string {
	return dimStyle.Render(fmt.Sprintf("mic=%s output=%s camera=%s", dev.Mic, dev.Output, dev.Camera))
}

func renderTurn(ft turn.FinishedTurn) string {
	var b strings.Builder
	if ft.UserText != "" {
		b.WriteString(youStyle.Render("you › "))
		b.WriteString(ft.UserText)
		b.WriteByte('\n')
	}
	b.WriteString(botStyle.Render("sarathi › "))
	b.WriteString(ft.BotText)
	if ft.AudioDuration > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  (%.1fs audio)", ft.AudioDuration.Seconds())))
	}
	for _, it := range ft.Itineraries {
		b.WriteByte('\n')
		b.WriteString(dimStyle.Render("itinerary: " + string(it.Data)))
	}
	return b.String()
}

// renderLatency lays the latency window out as an aligned table.
func renderLatency(snap observability.LatencySnapshot) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(accent)
	cell := lipgloss.NewStyle().Width(12).Align(lipgloss.Right)
	name := lipgloss.NewStyle().Width(24)

	var rows []string
	rows = append(rows, header.Render(name.Render("stage")+cell.Render("samples")+cell.Render("avg ms")+
		cell.Render("p50 ms")+cell.Render("p95 ms")+cell.Render("last ms")))
	for _, st := range snap.Stages {
		rows = append(rows, name.Render(st.Stage)+
			cell.Render(fmt.Sprint(st.Samples))+
			cell.Render(fmt.Sprintf("%.0f", st.AvgMS))+
			cell.Render(fmt.Sprintf("%.0f", st.P50MS))+
			cell.Render(fmt.Sprintf("%.0f", st.P95MS))+
			cell.Render(fmt.Sprintf("%.0f", st.LastMS)))
	}
	for _, ind := range snap.Indicators {
		rows = append(rows, dimStyle.Render(fmt.Sprintf("%s: %d", ind.Name, ind.Count)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}
