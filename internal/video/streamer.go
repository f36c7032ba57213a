// Package video streams periodic camera stills to the session.
package video

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/ent0n29/sarathi/internal/observability"
)

const (
	DefaultInterval  = 800 * time.Millisecond
	DefaultMaxWidth  = 1280
	DefaultMaxHeight = 1280
	DefaultQuality   = 70

	ContentType = "image/jpeg"
)

var ErrNoCamera = errors.New("video: camera unavailable")

// Camera takes one still.
type Camera interface {
	Capture(ctx context.Context) (image.Image, error)
}

// ImageSender is the outbound side of the session.
type ImageSender interface {
	SendImageBase64(b64, contentType string)
	SendText(text string)
}

// FrameRecorder keeps sent frames for the conversation log.
type FrameRecorder interface {
	AppendImageFrame(dataURL string)
}

type Options struct {
	Interval  time.Duration
	MaxWidth  int
	MaxHeight int
	Quality   int
	// StartHint and StopHint are sent as text when streaming starts and
	// stops. Empty disables them.
	StartHint string
	StopHint  string
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

type Streamer struct {
	camera   Camera
	sender   ImageSender
	recorder FrameRecorder
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	sent   atomic.Int64
	failed atomic.Int64
}

// NewStreamer wires a streamer. recorder may be nil.
func NewStreamer(camera Camera, sender ImageSender, recorder FrameRecorder, opts Options) *Streamer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = DefaultMaxWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = DefaultMaxHeight
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		camera:   camera,
		sender:   sender,
		recorder: recorder,
		opts:     opts,
		logger:   logger.With("component", "video"),
	}
}

// Start sends the start hint and begins capturing on every tick. It is a
// no-op while running.
func (s *Streamer) Start(ctx context.Context) error {
	if s.camera == nil {
		return ErrNoCamera
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	if s.opts.StartHint != "" {
		s.sender.SendText(s.opts.StartHint)
	}
	go s.loop(runCtx, s.done)
	s.logger.Info("camera streaming started", "interval", s.opts.Interval)
	return nil
}

// Stop halts capture, waits for an in-flight frame and sends the stop hint.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done
	if s.opts.StopHint != "" {
		s.sender.SendText(s.opts.StopHint)
	}
	s.logger.Info("camera streaming stopped", "sent", s.sent.Load(), "failed", s.failed.Load())
}

func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats reports frames sent and failed captures since construction.
func (s *Streamer) Stats() (sent, failed int64) {
	return s.sent.Load(), s.failed.Load()
}

func (s *Streamer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CaptureOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("camera frame skipped", "error", err)
			}
		}
	}
}

// CaptureOnce takes, encodes and sends a single frame.
func (s *Streamer) CaptureOnce(ctx context.Context) error {
	img, err := s.camera.Capture(ctx)
	if err != nil {
		s.failed.Add(1)
		s.opts.Metrics.VideoFrame("capture_error")
		return fmt.Errorf("capture frame: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	b64, err := EncodeJPEGBase64(img, s.opts.MaxWidth, s.opts.MaxHeight, s.opts.Quality)
	if err != nil {
		s.failed.Add(1)
		s.opts.Metrics.VideoFrame("encode_error")
		return err
	}
	s.sender.SendImageBase64(b64, ContentType)
	if s.recorder != nil {
		s.recorder.AppendImageFrame(DataURL(b64))
	}
	s.sent.Add(1)
	s.opts.Metrics.VideoFrame("sent")
	s.logger.Debug("camera frame sent", "encoded_bytes", len(b64))
	return nil
}

// EncodeJPEGBase64 scales img down to fit maxW x maxH, keeping its aspect
// ratio, and returns it as base64 JPEG.
func EncodeJPEGBase64(img image.Image, maxW, maxH, quality int) (string, error) {
	if img == nil {
		return "", errors.New("encode frame: nil image")
	}
	scaled := FitWithin(img, maxW, maxH)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// FitWithin returns img unchanged when it already fits. Images are never
// enlarged.
func FitWithin(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH || w == 0 || h == 0 {
		return img
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := max(1, int(float64(w)*scale))
	nh := max(1, int(float64(h)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func DataURL(b64 string) string {
	return "data:" + ContentType + ";base64," + b64
}
