package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/sarathi/internal/app"
	"github.com/ent0n29/sarathi/internal/turn"
)

type voiceFlags struct {
	deviceFlags
	micWAV    string
	loop      bool
	cameraDir string
}

func newVoiceCmd(g *globalFlags) *cobra.Command {
	var f voiceFlags
	cmd := &cobra.Command{
		Use:   "voice",
		Short: "Talk to the assistant with a WAV file as the microphone",
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices := f.devices()
			devices.MicWAV = f.micWAV
			devices.MicLoop = f.loop
			devices.CameraDir = f.cameraDir
			return runVoice(cmd.Context(), g, devices, cmd.OutOrStdout())
		},
	}
	f.register(cmd, app.PlayerAuto)
	cmd.Flags().StringVar(&f.micWAV, "mic-wav", "", "WAV file streamed as the microphone (required)")
	cmd.Flags().BoolVar(&f.loop, "loop", false, "restart the WAV file when it ends")
	cmd.Flags().StringVar(&f.cameraDir, "camera-dir", "", "directory of images streamed as camera frames")
	_ = cmd.MarkFlagRequired("mic-wav")
	return cmd
}

// runVoice streams the microphone (and camera, when configured) until
// interrupted.
func runVoice(parent context.Context, g *globalFlags, devices app.Devices, out io.Writer) error {
	cfg, logger, err := loadConfig(g)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	status := printStatusChanges(out)
	sess, err := openSession(ctx, cfg, app.Options{
		Devices:    devices,
		Logger:     logger,
		OnChange:   status,
		OnFinished: func(ft turn.FinishedTurn) { fmt.Fprintln(out, renderTurn(ft)) },
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

	grp, ctx := errgroup.WithContext(ctx)
	serveMetrics(ctx, grp, cfg, sess.res, logger)

	if err := sess.res.Orchestrator.SetMicEnabled(ctx, true); err != nil {
		return fmt.Errorf("microphone: %w", err)
	}
	if cam := sess.res.Video; cam != nil {
		if err := cam.Start(ctx); err != nil {
			return fmt.Errorf("camera: %w", err)
		}
		defer cam.Stop()
	}

	grp.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return grp.Wait()
}
