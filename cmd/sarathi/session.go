package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/sarathi/internal/app"
	"github.com/ent0n29/sarathi/internal/config"
	"github.com/ent0n29/sarathi/internal/session"
	"github.com/ent0n29/sarathi/internal/transcript"
)

const uploadTimeout = 30 * time.Second

// liveSession is one built client holding a lease on its connection.
type liveSession struct {
	cfg    config.Config
	res    *app.BuildResult
	lease  *session.Lease
	logger *slog.Logger
}

// openSession builds the client, connects and waits until the session is
// open or the handshake window passes.
func openSession(ctx context.Context, cfg config.Config, opts app.Options) (*liveSession, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	res, err := app.Build(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	res.Sessions.StartJanitor(ctx, 0)

	lease, err := res.Sessions.Acquire(ctx, app.SessionKey)
	if err != nil {
		_ = res.Cleanup()
		return nil, fmt.Errorf("connect: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*cfg.HandshakeTimeout)
	defer cancel()
	if err := res.Client.WaitOpen(waitCtx); err != nil {
		_ = res.Sessions.Release(lease.ID)
		_ = res.Cleanup()
		return nil, fmt.Errorf("session did not open: %w", err)
	}
	return &liveSession{cfg: cfg, res: res, lease: lease, logger: opts.Logger}, nil
}

// close uploads the conversation when the assistant said anything, then
// releases every resource.
func (s *liveSession) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	var errs []error
	if s.res.Transcript.HasBotMessages(ctx) {
		err := s.res.Transcript.Upload(ctx, s.cfg.AuthToken)
		switch {
		case err == nil:
			s.logger.Info("conversation uploaded")
		case errors.Is(err, transcript.ErrNothingToUpload):
		default:
			errs = append(errs, err)
		}
	}
	if err := s.res.Sessions.Release(s.lease.ID); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.res.Cleanup())
	return errors.Join(errs...)
}

// serveHTTP runs srv inside g until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, shutdownTimeout time.Duration, logger *slog.Logger) {
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
			_ = srv.Close()
		}
		return nil
	})
}

// serveMetrics exposes the client's Prometheus registry when an address is
// configured.
func serveMetrics(ctx context.Context, g *errgroup.Group, cfg config.Config, res *app.BuildResult, logger *slog.Logger) {
	if cfg.MetricsAddr == "" {
		return
	}
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           res.Metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveHTTP(ctx, g, srv, cfg.ShutdownTimeout, logger.With("component", "metrics"))
}
