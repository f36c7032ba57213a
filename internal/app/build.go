// Package app assembles a session client from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/sarathi/internal/capture"
	"github.com/ent0n29/sarathi/internal/config"
	"github.com/ent0n29/sarathi/internal/events"
	"github.com/ent0n29/sarathi/internal/observability"
	"github.com/ent0n29/sarathi/internal/playback"
	"github.com/ent0n29/sarathi/internal/session"
	"github.com/ent0n29/sarathi/internal/transcript"
	"github.com/ent0n29/sarathi/internal/transport"
	"github.com/ent0n29/sarathi/internal/turn"
	"github.com/ent0n29/sarathi/internal/video"
	"github.com/ent0n29/sarathi/internal/voice"
)

// SessionKey is the key every screen of one client leases its connection
// under.
const SessionKey = "default"

type BuildResult struct {
	Config       config.Config
	Dispatcher   *events.Dispatcher
	Client       *transport.Client
	Orchestrator *voice.Orchestrator
	Sessions     *session.Manager
	Transcript   *transcript.Log
	Metrics      *observability.Metrics
	Latency      *observability.TurnLatency
	Devices      DeviceInfo

	// Playback, Capture and Video are nil when the device is not configured.
	Playback *playback.Pipeline
	Capture  *capture.Pipeline
	Video    *video.Streamer

	// Cleanup should be called on shutdown to release external resources (DB, devices).
	Cleanup func() error
}

// ConnectOptions derives the transport options from cfg.
func ConnectOptions(cfg config.Config) transport.ConnectOptions {
	return transport.ConnectOptions{
		Host:               cfg.Host,
		APIKey:             cfg.APIKey,
		AuthToken:          cfg.AuthToken,
		Modalities:         cfg.Modalities,
		SystemInstructions: cfg.SystemInstructions,
		Ticket:             cfg.Ticket,
	}
}

// Options carries the local devices and the UI hooks of one client.
type Options struct {
	Devices Devices
	Logger  *slog.Logger
	// OnChange and OnFinished are passed to the orchestrator and run on the
	// dispatch goroutine.
	OnChange   func(voice.Snapshot)
	OnFinished func(turn.FinishedTurn)
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	devices := opts.Devices
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	latency := observability.NewTurnLatency(128)

	strategy, err := turn.ParseMergeStrategy(cfg.MergeStrategy)
	if err != nil {
		return nil, err
	}

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}
	log := transcript.NewLog(store, transcript.Options{
		APIBaseURL: cfg.APIBaseURL,
		APIKey:     cfg.APIKey,
		RedactText: devices.RedactTranscript,
		Logger:     logger,
		Metrics:    metrics,
	})

	dialer, err := transport.NewDialer(cfg.Variant, cfg.HandshakeTimeout, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dispatcher := events.NewDispatcher(logger)

	var orch *voice.Orchestrator
	client := transport.NewClient(dialer, dispatcher, transport.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		WatchdogTimeout:   cfg.WatchdogTimeout,
		ReconnectDelay:    cfg.ReconnectDelay,
		Logger:            logger,
		Metrics:           metrics,
		OnStateChange: func(state transport.State, _ string) {
			if state != transport.StateOpen && orch != nil {
				orch.Disconnected()
			}
		},
	})

	dev, err := resolveDevices(cfg, devices, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var pb *playback.Pipeline
	if dev.sink != nil || dev.player != nil {
		pb, err = playback.New(dev.sink, dev.player, playback.Options{
			Gain:       cfg.PlaybackGain,
			MinStart:   cfg.PlaybackMinStart,
			GateMargin: cfg.MicGateMargin,
			ForceFile:  cfg.ForceFilePlayback,
			Logger:     logger,
			Metrics:    metrics,
			OnGateRelease: func() {
				metrics.LifecycleEvent("mic_gate_released")
				logger.Debug("mic gate released")
			},
		})
		if err != nil {
			if dev.sink != nil {
				_ = dev.sink.Release()
			}
			_ = store.Close()
			return nil, fmt.Errorf("playback init failed: %w", err)
		}
	}

	var mic *capture.Pipeline
	if dev.source != nil {
		var gate capture.Gate
		if pb != nil {
			gate = pb.Gate()
		}
		mic = capture.New(dev.source, client, gate, log, capture.Options{
			Gain:           cfg.MicGain,
			NoFrameTimeout: cfg.MicNoFrameTimeout,
			Logger:         logger,
			Metrics:        metrics,
		})
	}

	var cam *video.Streamer
	if dev.camera != nil {
		cam = video.NewStreamer(dev.camera, client, log, video.Options{
			Interval:  cfg.VideoInterval,
			MaxWidth:  cfg.VideoMaxDim,
			MaxHeight: cfg.VideoMaxDim,
			Quality:   cfg.VideoQuality,
			StartHint: cfg.VideoHint,
			StopHint:  stopHint(cfg.VideoHint),
			Logger:    logger,
			Metrics:   metrics,
		})
	}

	// Typed nils must not reach the orchestrator's interfaces.
	var (
		vp voice.Playback
		vc voice.Capture
	)
	if pb != nil {
		vp = pb
	}
	if mic != nil {
		vc = mic
	}
	orch = voice.New(client, vp, vc, log, voice.Options{
		Turn:       turn.Options{Strategy: strategy, TextChunks: cfg.Variant == config.VariantSSE},
		Logger:     logger,
		Metrics:    metrics,
		Latency:    latency,
		OnChange:   opts.OnChange,
		OnFinished: opts.OnFinished,
	})
	orch.Attach(dispatcher)

	connect := ConnectOptions(cfg)
	sessions := session.NewManager(func(ctx context.Context, _ string) (session.Connection, error) {
		if err := client.Connect(ctx, connect); err != nil {
			return nil, err
		}
		return client, nil
	}, cfg.SessionLinger, logger)
	sessions.SetExpireHook(func(s session.Session) {
		metrics.LifecycleEvent("session_expired")
		logger.Info("shared session expired", "key", s.Key, "started_at", s.StartedAt)
	})

	cleanup := func() error {
		var errs []error
		orch.Detach()
		if cam != nil {
			cam.Stop()
		}
		sessions.Close()
		client.Disconnect()
		if mic != nil {
			mic.Stop()
		}
		if pb != nil {
			errs = append(errs, pb.Close())
		}
		errs = append(errs, store.Close())
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		Dispatcher:   dispatcher,
		Client:       client,
		Orchestrator: orch,
		Sessions:     sessions,
		Transcript:   log,
		Metrics:      metrics,
		Latency:      latency,
		Devices:      dev.info,
		Playback:     pb,
		Capture:      mic,
		Video:        cam,
		Cleanup:      cleanup,
	}, nil
}

// stopHint pairs the configured camera start hint with its stop twin.
func stopHint(start string) string {
	if start == "[camera_start]" {
		return "[camera_stop]"
	}
	return ""
}
