package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/sarathi/internal/app"
	"github.com/ent0n29/sarathi/internal/turn"
	"github.com/ent0n29/sarathi/internal/voice"
)

type deviceFlags struct {
	player     string
	archiveDir string
	pcmOut     string
	redact     bool
}

func (f *deviceFlags) register(cmd *cobra.Command, defaultPlayer string) {
	cmd.Flags().StringVar(&f.player, "player", defaultPlayer, "reply audio player: auto, command, archive or none")
	cmd.Flags().StringVar(&f.archiveDir, "archive-dir", "", "directory that receives reply clips with --player archive")
	cmd.Flags().StringVar(&f.pcmOut, "pcm-out", "", "stream raw PCM16 replies to a file, or - for stdout")
	cmd.Flags().BoolVar(&f.redact, "redact", false, "mask emails, phone and card numbers in the uploaded transcript")
}

func (f *deviceFlags) devices() app.Devices {
	return app.Devices{
		Player:           f.player,
		ArchiveDir:       f.archiveDir,
		PCMOut:           f.pcmOut,
		RedactTranscript: f.redact,
	}
}

func newChatCmd(g *globalFlags) *cobra.Command {
	var dev deviceFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Type messages and read the assistant's replies",
		Long: "Reads one message per line from stdin. /upload sends the conversation log, " +
			"/status prints the session state and /quit ends the session.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), g, dev.devices(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	dev.register(cmd, app.PlayerNone)
	return cmd
}

func runChat(parent context.Context, g *globalFlags, devices app.Devices, in io.Reader, out io.Writer) error {
	cfg, logger, err := loadConfig(g)
	if err != nil {
		return err
	}
	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	turns := make(chan turn.FinishedTurn, 8)
	sess, err := openSession(sigCtx, cfg, app.Options{
		Devices: devices,
		Logger:  logger,
		OnFinished: func(ft turn.FinishedTurn) {
			select {
			case turns <- ft:
			case <-sigCtx.Done():
			}
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.close(); err != nil {
			logger.Warn("session close", "error", err)
		}
	}()

	fmt.Fprintln(out, renderDevices(sess.res.Devices))
	grp, ctx := errgroup.WithContext(sigCtx)
	serveMetrics(ctx, grp, cfg, sess.res, logger)

	grp.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ft := <-turns:
				fmt.Fprintln(out, renderTurn(ft))
			}
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	grp.Go(func() error {
		defer stop()
		for {
			var line string
			var ok bool
			select {
			case <-ctx.Done():
				return nil
			case line, ok = <-lines:
				if !ok {
					return nil
				}
			}
			switch text := strings.TrimSpace(line); text {
			case "":
			case "/quit", "/exit":
				return nil
			case "/status":
				fmt.Fprintln(out, renderDevices(sess.res.Devices))
				fmt.Fprintln(out, renderStatus(sess.res.Orchestrator.Snapshot()))
			case "/upload":
				uploadNow(ctx, sess, out)
			default:
				sess.res.Orchestrator.SendText(text)
			}
		}
	})
	return grp.Wait()
}

func uploadNow(ctx context.Context, sess *liveSession, out io.Writer) {
	if err := sess.res.Transcript.Upload(ctx, sess.cfg.AuthToken); err != nil {
		fmt.Fprintln(out, errStyle.Render("upload: "+err.Error()))
		return
	}
	fmt.Fprintln(out, dimStyle.Render("conversation uploaded"))
}

// printStatusChanges prints the status line whenever it differs from the
// last one printed.
func printStatusChanges(out io.Writer) func(voice.Snapshot) {
	var last string
	return func(s voice.Snapshot) {
		line := renderStatus(s)
		if line == last {
			return
		}
		last = line
		fmt.Fprintln(out, line)
	}
}
