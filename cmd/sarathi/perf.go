package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/sarathi/internal/app"
	"github.com/ent0n29/sarathi/internal/config"
	"github.com/ent0n29/sarathi/internal/observability"
	"github.com/ent0n29/sarathi/internal/turn"
)

type perfOptions struct {
	turns          int
	texts          []string
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	jsonOut        bool
	verbose        bool
}

var defaultUtterances = []string{
	"Reply in three words: nearest temple?",
	"Reply in three words: best local dish?",
	"Reply in three words: train or bus?",
	"Reply in three words: sunrise viewpoint?",
}

func newPerfCmd(g *globalFlags) *cobra.Command {
	var (
		opts     perfOptions
		textsRaw string
	)
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Replay text turns and report turn latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			texts, err := splitTexts(textsRaw)
			if err != nil {
				return err
			}
			opts.texts = texts
			if opts.turns <= 0 {
				return fmt.Errorf("turns must be > 0")
			}
			if opts.turnTimeout < time.Second {
				opts.turnTimeout = time.Second
			}

			cfg, logger, err := loadConfig(g)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			snap, err := runPerf(ctx, cfg, opts, logger, out)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			fmt.Fprintln(out, renderLatency(snap))
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.turns, "turns", 10, "number of turns to replay")
	cmd.Flags().StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	cmd.Flags().DurationVar(&opts.startDelay, "start-delay", 0, "delay before the first turn")
	cmd.Flags().DurationVar(&opts.interTurnDelay, "inter-turn", 180*time.Millisecond, "delay between turns")
	cmd.Flags().DurationVar(&opts.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for each turn to complete")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the latency snapshot as JSON")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", true, "print replay progress")
	return cmd
}

func splitTexts(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...), nil
	}
	var texts []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts produced no non-empty utterances")
	}
	return texts, nil
}

// runPerf sends opts.turns text turns one after another, waiting for each
// to complete, and returns the latency window they produced.
func runPerf(ctx context.Context, cfg config.Config, opts perfOptions, logger *slog.Logger, out io.Writer) (observability.LatencySnapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	finished := make(chan turn.FinishedTurn, 1)
	sess, err := openSession(ctx, cfg, app.Options{
		Devices: app.Devices{Player: app.PlayerNone},
		Logger:  logger,
		OnFinished: func(ft turn.FinishedTurn) {
			select {
			case finished <- ft:
			case <-ctx.Done():
			}
		},
	})
	if err != nil {
		return observability.LatencySnapshot{}, err
	}
	defer func() {
		if err := sess.close(); err != nil {
			logger.Warn("session close", "error", err)
		}
	}()

	if opts.verbose {
		fmt.Fprintf(out, "perf: host=%s transport=%s turns=%d\n", cfg.Host, cfg.Variant, opts.turns)
	}
	if !sleepCtx(ctx, opts.startDelay) {
		return observability.LatencySnapshot{}, ctx.Err()
	}

	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		if opts.verbose {
			fmt.Fprintf(out, "perf: turn %d/%d text=%q\n", i+1, opts.turns, text)
		}
		sess.res.Orchestrator.SendText(text)
		if err := awaitTurn(ctx, finished, opts.turnTimeout); err != nil {
			return observability.LatencySnapshot{}, fmt.Errorf("turn %d: %w", i+1, err)
		}
		if i < opts.turns-1 && !sleepCtx(ctx, opts.interTurnDelay) {
			return observability.LatencySnapshot{}, ctx.Err()
		}
	}
	if opts.verbose {
		fmt.Fprintln(out, "perf: replay completed")
	}
	return sess.res.Latency.Snapshot(), nil
}

func awaitTurn(ctx context.Context, finished <-chan turn.FinishedTurn, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %s waiting for turn_complete", timeout)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
