package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu       sync.Mutex
	rate     int
	startErr error
	onFrame  func([]byte)
	starts   int
	stops    int
}

func (s *fakeSource) Start(_ context.Context, onFrame func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	s.onFrame = onFrame
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.onFrame = nil
	return nil
}

func (s *fakeSource) SampleRate() int { return s.rate }

func (s *fakeSource) emit(frame []byte) {
	s.mu.Lock()
	fn := s.onFrame
	s.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) SendAudioBase64(b64 string) {
	f.mu.Lock()
	f.sent = append(f.sent, b64)
	f.mu.Unlock()
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeRecorder struct {
	chunks  int
	flushes int
}

func (r *fakeRecorder) AppendUserAudioChunk(string) { r.chunks++ }
func (r *fakeRecorder) FlushUserAudioTurn()         { r.flushes++ }

type gateFunc func(time.Time) bool

func (g gateFunc) Suppressed(now time.Time) bool { return g(now) }

func frameOf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestPipelineForwardsBoostedFrames(t *testing.T) {
	src := &fakeSource{rate: 16000}
	sender := &fakeSender{}
	rec := &fakeRecorder{}
	p := New(src, sender, nil, rec, Options{})
	p.SetEnabled(true)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	src.emit(frameOf(1000, -1000, 30000))

	if sender.count() != 1 {
		t.Fatalf("sent = %d, want 1", sender.count())
	}
	got, err := base64.StdEncoding.DecodeString(sender.sent[0])
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	if want := frameOf(1500, -1500, 32767); !bytes.Equal(got, want) {
		t.Fatalf("sent frame = %v, want %v", got, want)
	}
	if rec.chunks != 1 {
		t.Fatalf("recorded chunks = %d, want 1", rec.chunks)
	}
}

func TestPipelineStartStopIdempotent(t *testing.T) {
	src := &fakeSource{rate: 16000}
	rec := &fakeRecorder{}
	p := New(src, &fakeSender{}, nil, rec, Options{})

	_ = p.Start(context.Background())
	_ = p.Start(context.Background())
	if src.starts != 1 {
		t.Fatalf("starts = %d, want 1", src.starts)
	}
	p.Stop()
	p.Stop()
	if src.stops != 1 {
		t.Fatalf("stops = %d, want 1", src.stops)
	}
	if rec.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", rec.flushes)
	}
	if p.Running() {
		t.Fatalf("Running() = true after Stop")
	}
}

func TestPipelineDisabledDropsAndReleases(t *testing.T) {
	src := &fakeSource{rate: 16000}
	sender := &fakeSender{}
	p := New(src, sender, nil, nil, Options{})

	_ = p.Start(context.Background())
	src.emit(frameOf(1, 2))
	if sender.count() != 0 {
		t.Fatalf("forwarded while not enabled")
	}

	p.SetEnabled(true)
	src.emit(frameOf(1, 2))
	p.SetEnabled(false)
	if src.stops != 1 || p.Running() {
		t.Fatalf("disable did not release device: stops=%d running=%v", src.stops, p.Running())
	}
	src.emit(frameOf(1, 2))
	if sender.count() != 1 {
		t.Fatalf("sent = %d, want 1", sender.count())
	}
}

func TestPipelineRespectsGate(t *testing.T) {
	src := &fakeSource{rate: 16000}
	sender := &fakeSender{}
	suppressed := true
	p := New(src, sender, gateFunc(func(time.Time) bool { return suppressed }), nil, Options{})
	p.SetEnabled(true)
	_ = p.Start(context.Background())

	src.emit(frameOf(5))
	if sender.count() != 0 {
		t.Fatalf("frame forwarded through a closed gate")
	}
	suppressed = false
	src.emit(frameOf(5))
	if sender.count() != 1 {
		t.Fatalf("sent = %d, want 1", sender.count())
	}
	frames, sent := p.Stats()
	if frames != 2 || sent != 1 {
		t.Fatalf("Stats() = %d, %d; want 2, 1", frames, sent)
	}
}

func TestPipelineDeviceErrorLeavesStopped(t *testing.T) {
	src := &fakeSource{rate: 16000, startErr: errors.New("permission denied")}
	p := New(src, &fakeSender{}, nil, nil, Options{})
	err := p.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start() error = %v, want ErrDeviceUnavailable", err)
	}
	if p.Running() {
		t.Fatalf("Running() = true after device error")
	}

	if err := New(nil, &fakeSender{}, nil, nil, Options{}).Start(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("nil source error = %v", err)
	}
}

func TestPipelineResamplesToCaptureRate(t *testing.T) {
	src := &fakeSource{rate: 48000}
	sender := &fakeSender{}
	p := New(src, sender, nil, nil, Options{Gain: 1})
	p.SetEnabled(true)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	samples := make([]int16, 4800)
	for i := 0; i < 10; i++ {
		src.emit(frameOf(samples...))
	}

	total := 0
	for _, b64 := range sender.sent {
		raw, _ := base64.StdEncoding.DecodeString(b64)
		total += len(raw)
	}
	// 10 x 100ms at 48kHz should come out near 16000 samples at 16kHz;
	// allow for filter priming.
	if total == 0 || total > 2*16000*2 {
		t.Fatalf("resampled bytes = %d, want roughly %d", total, 16000*2)
	}
}
