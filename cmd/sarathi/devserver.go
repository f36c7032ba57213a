package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/sarathi/internal/devserver"
	"github.com/ent0n29/sarathi/internal/observability"
)

type devServerFlags struct {
	addr        string
	binaryAudio bool
}

func newDevServerCmd(g *globalFlags) *cobra.Command {
	var f devServerFlags
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local backend that echoes every turn",
		Long: "Serves the websocket and SSE session endpoints plus /upload-json. " +
			"Every text turn is answered with \"You said: ...\" and a short tone; /itinerary runs a scripted tool call.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDevServer(cmd.Context(), g, f)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address (default SARATHI_DEVSERVER_ADDR)")
	cmd.Flags().BoolVar(&f.binaryAudio, "binary-audio", false, "send assistant audio as binary websocket frames")
	return cmd
}

func runDevServer(parent context.Context, g *globalFlags, f devServerFlags) error {
	cfg, logger, err := loadConfig(g)
	if err != nil {
		return err
	}
	addr := f.addr
	if addr == "" {
		addr = cfg.DevServerAddr
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := devserver.New(devserver.Config{
		APIKey:      cfg.APIKey,
		Token:       cfg.AuthToken,
		BinaryAudio: f.binaryAudio,
		Logger:      logger,
		Metrics:     observability.NewMetrics(cfg.MetricsNamespace + "_devserver"),
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grp, ctx := errgroup.WithContext(ctx)
	serveHTTP(ctx, grp, httpServer, cfg.ShutdownTimeout, logger.With("component", "devserver"))
	// Hijacked websocket connections are not closed by Shutdown.
	grp.Go(func() error {
		<-ctx.Done()
		srv.CloseAll(websocket.CloseGoingAway, "server shutting down")
		return nil
	})
	err = grp.Wait()
	logger.Info("shutdown complete")
	return err
}
