package video

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeCamera struct {
	mu    sync.Mutex
	img   image.Image
	fails int
	calls int
}

func (c *fakeCamera) Capture(context.Context) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fails > 0 {
		c.fails--
		return nil, errors.New("shutter busy")
	}
	return c.img, nil
}

type fakeSender struct {
	mu     sync.Mutex
	images []string
	types  []string
	texts  []string
}

func (f *fakeSender) SendImageBase64(b64, contentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, b64)
	f.types = append(f.types, contentType)
}

func (f *fakeSender) SendText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func (f *fakeSender) imageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.images)
}

type fakeRecorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *fakeRecorder) AppendImageFrame(dataURL string) {
	r.mu.Lock()
	r.frames = append(r.frames, dataURL)
	r.mu.Unlock()
}

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 20, A: 255})
		}
	}
	return img
}

func decodeFrame(t *testing.T, b64 string) image.Image {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode jpeg: %v", err)
	}
	return img
}

func TestFitWithinKeepsAspectRatio(t *testing.T) {
	got := FitWithin(solid(2560, 1440), 1280, 1280).Bounds()
	if got.Dx() != 1280 || got.Dy() != 720 {
		t.Fatalf("scaled size = %dx%d, want 1280x720", got.Dx(), got.Dy())
	}

	small := solid(64, 48)
	if FitWithin(small, 1280, 1280) != small {
		t.Fatalf("small image should pass through unscaled")
	}
}

func TestCaptureOnceSendsJPEG(t *testing.T) {
	cam := &fakeCamera{img: solid(1600, 1600)}
	sender := &fakeSender{}
	rec := &fakeRecorder{}
	s := NewStreamer(cam, sender, rec, Options{})

	if err := s.CaptureOnce(context.Background()); err != nil {
		t.Fatalf("CaptureOnce() error = %v", err)
	}
	if len(sender.images) != 1 || sender.types[0] != "image/jpeg" {
		t.Fatalf("sent images = %d types = %v", len(sender.images), sender.types)
	}
	b := decodeFrame(t, sender.images[0]).Bounds()
	if b.Dx() != 1280 || b.Dy() != 1280 {
		t.Fatalf("frame size = %dx%d, want 1280x1280", b.Dx(), b.Dy())
	}
	if len(rec.frames) != 1 || !strings.HasPrefix(rec.frames[0], "data:image/jpeg;base64,") {
		t.Fatalf("recorded frames = %v", rec.frames)
	}
	if sent, failed := s.Stats(); sent != 1 || failed != 0 {
		t.Fatalf("Stats() = %d, %d; want 1, 0", sent, failed)
	}
}

func TestCaptureFailureIsSkipped(t *testing.T) {
	cam := &fakeCamera{img: solid(32, 32), fails: 1}
	sender := &fakeSender{}
	s := NewStreamer(cam, sender, nil, Options{})

	if err := s.CaptureOnce(context.Background()); err == nil {
		t.Fatalf("CaptureOnce() error = nil, want capture error")
	}
	if err := s.CaptureOnce(context.Background()); err != nil {
		t.Fatalf("second CaptureOnce() error = %v", err)
	}
	if sent, failed := s.Stats(); sent != 1 || failed != 1 {
		t.Fatalf("Stats() = %d, %d; want 1, 1", sent, failed)
	}
}

func TestStreamerTicksAndSendsHints(t *testing.T) {
	cam := &fakeCamera{img: solid(32, 32), fails: 1}
	sender := &fakeSender{}
	s := NewStreamer(cam, sender, nil, Options{
		Interval:  10 * time.Millisecond,
		StartHint: "[camera_start]",
		StopHint:  "[camera_stop]",
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for sender.imageCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for frames, got %d", sender.imageCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if s.Running() {
		t.Fatalf("Running() = true after Stop")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.texts) != 2 || sender.texts[0] != "[camera_start]" || sender.texts[1] != "[camera_stop]" {
		t.Fatalf("hints = %v", sender.texts)
	}
}

func TestStartWithoutCamera(t *testing.T) {
	s := NewStreamer(nil, &fakeSender{}, nil, Options{})
	if err := s.Start(context.Background()); !errors.Is(err, ErrNoCamera) {
		t.Fatalf("Start() error = %v, want ErrNoCamera", err)
	}
}
