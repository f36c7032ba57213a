package playback

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/sarathi/internal/audio"
)

func TestMicGateWindowForKnownChunk(t *testing.T) {
	g := NewMicGate(DefaultGateMargin, nil)
	t0 := time.Unix(1700000000, 0)

	// 4800 bytes at 16kHz mono PCM16 is 150ms of audio.
	g.Extend(t0, audio.Duration(4800, 16000))
	defer g.Reset()

	if !g.Suppressed(t0.Add(349 * time.Millisecond)) {
		t.Fatalf("gate open at 349ms, want suppressed")
	}
	if g.Suppressed(t0.Add(350 * time.Millisecond)) {
		t.Fatalf("gate suppressed at 350ms, want open")
	}
}

func TestMicGateExtendsAndRestarts(t *testing.T) {
	g := NewMicGate(DefaultGateMargin, nil)
	defer g.Reset()
	t0 := time.Unix(1700000000, 0)

	g.Extend(t0, 150*time.Millisecond)
	g.Extend(t0.Add(10*time.Millisecond), 150*time.Millisecond)
	if got, want := g.End(), t0.Add(300*time.Millisecond); !got.Equal(want) {
		t.Fatalf("End() = %v, want %v", got, want)
	}

	later := t0.Add(time.Second)
	g.Extend(later, 100*time.Millisecond)
	if got, want := g.End(), later.Add(100*time.Millisecond); !got.Equal(want) {
		t.Fatalf("End() after elapsed projection = %v, want %v", got, want)
	}

	g.Reset()
	if !g.End().IsZero() || g.Suppressed(later) {
		t.Fatalf("gate not reset: end=%v", g.End())
	}
}

func TestMicGateReleaseCallback(t *testing.T) {
	released := make(chan struct{}, 1)
	g := NewMicGate(10*time.Millisecond, func() { released <- struct{}{} })
	g.Extend(time.Now(), 20*time.Millisecond)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatalf("release callback did not fire")
	}
}

func TestMicGateResetCancelsRelease(t *testing.T) {
	released := make(chan struct{}, 1)
	g := NewMicGate(10*time.Millisecond, func() { released <- struct{}{} })
	g.Extend(time.Now(), 30*time.Millisecond)
	g.Reset()

	select {
	case <-released:
		t.Fatalf("release fired after Reset")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestMicGateHold(t *testing.T) {
	g := NewMicGate(DefaultGateMargin, nil)
	now := time.Now()
	g.Hold()
	if !g.Suppressed(now) {
		t.Fatalf("held gate open")
	}
	g.Release()
	if g.Suppressed(now) {
		t.Fatalf("released gate still suppressed")
	}
}

type fakeSink struct {
	mu        sync.Mutex
	inits     []int
	writes    [][]byte
	stops     int
	released  bool
	available bool
}

func (s *fakeSink) Init(rate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits = append(s.inits, rate)
	return nil
}

func (s *fakeSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, pcm)
	return nil
}

func (s *fakeSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}

type probedSink struct {
	fakeSink
}

func (s *probedSink) Available() bool { return s.available }

type playedFile struct {
	path string
	rate int
	pcm  []byte
}

type fakePlayer struct {
	mu      sync.Mutex
	played  []playedFile
	errs    []error
	block   bool
	started chan struct{}
}

func (p *fakePlayer) Play(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pcm, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.played = append(p.played, playedFile{path: path, rate: rate, pcm: pcm})
	var ret error
	if len(p.errs) > 0 {
		ret, p.errs = p.errs[0], p.errs[1:]
	}
	block := p.block
	p.mu.Unlock()

	if block {
		if p.started != nil {
			p.started <- struct{}{}
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return ret
}

func (p *fakePlayer) snapshot() []playedFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]playedFile(nil), p.played...)
}

func pcmSamples(n int, v int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipelineStreamingAppliesGainAndRate(t *testing.T) {
	sink := &fakeSink{}
	t0 := time.Unix(1700000000, 0)
	p, err := New(sink, nil, Options{Now: func() time.Time { return t0 }})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()
	if p.Backend().Name() != "stream" {
		t.Fatalf("backend = %s, want stream", p.Backend().Name())
	}

	chunk := pcmSamples(2400, 1000) // 4800 bytes
	if err := p.HandleChunk(base64.StdEncoding.EncodeToString(chunk), "audio/pcm;rate=16000"); err != nil {
		t.Fatalf("HandleChunk() error = %v", err)
	}
	if got, want := p.Gate().End(), t0.Add(150*time.Millisecond); !got.Equal(want) {
		t.Fatalf("gate end = %v, want %v", got, want)
	}
	if len(sink.inits) != 1 || sink.inits[0] != 16000 {
		t.Fatalf("inits = %v, want [16000]", sink.inits)
	}
	if v := int16(binary.LittleEndian.Uint16(sink.writes[0])); v != 1500 {
		t.Fatalf("first sample = %d, want 1500", v)
	}

	// Default rate applies without a mime parameter, forcing a re-init.
	_ = p.HandleChunk(base64.StdEncoding.EncodeToString(pcmSamples(10, 1)), "audio/pcm")
	if len(sink.inits) != 2 || sink.inits[1] != audio.PlaybackSampleRate {
		t.Fatalf("inits = %v, want re-init at default rate", sink.inits)
	}

	p.Interrupt()
	if sink.stops != 1 || !p.Gate().End().IsZero() {
		t.Fatalf("interrupt: stops=%d gate=%v", sink.stops, p.Gate().End())
	}
	_ = p.HandleChunk(base64.StdEncoding.EncodeToString(pcmSamples(10, 1)), "audio/pcm")
	if len(sink.inits) != 3 {
		t.Fatalf("inits = %v, want re-init after interrupt", sink.inits)
	}
}

func TestPipelineBadChunkIsSkipped(t *testing.T) {
	sink := &fakeSink{}
	p, err := New(sink, nil, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()
	if err := p.HandleChunk("!!not-base64!!", ""); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := p.HandleChunk(base64.StdEncoding.EncodeToString(pcmSamples(4, 2)), ""); err != nil {
		t.Fatalf("HandleChunk() after bad chunk error = %v", err)
	}
	if len(sink.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(sink.writes))
	}
}

func TestNewSelectsBackend(t *testing.T) {
	player := &fakePlayer{}

	if _, err := New(nil, nil, Options{}); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("New(nil, nil) error = %v, want ErrNoBackend", err)
	}

	p, err := New(&fakeSink{}, player, Options{ForceFile: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Backend().Name() != "file" {
		t.Fatalf("ForceFile backend = %s, want file", p.Backend().Name())
	}
	p.Close()

	p, err = New(&probedSink{}, player, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Backend().Name() != "file" {
		t.Fatalf("unavailable sink backend = %s, want file", p.Backend().Name())
	}
	p.Close()
}

func TestFileFallbackWaitsForThreshold(t *testing.T) {
	player := &fakePlayer{}
	b := NewFileFallbackBackend(player, t.TempDir(), 100*time.Millisecond, nil, nil)
	defer b.Close()

	// 100ms at 16kHz is 3200 bytes.
	_ = b.Enqueue(pcmSamples(1000, 7), 16000)
	time.Sleep(50 * time.Millisecond)
	if n := len(player.snapshot()); n != 0 {
		t.Fatalf("played %d batches below threshold", n)
	}
	if !b.Active() {
		t.Fatalf("Active() = false with queued audio")
	}

	_ = b.Enqueue(pcmSamples(1000, 7), 16000)
	waitUntil(t, "threshold playback", func() bool { return len(player.snapshot()) == 1 })
	got := player.snapshot()[0]
	if got.rate != 16000 || len(got.pcm) != 4000 {
		t.Fatalf("played rate=%d bytes=%d, want 16000/4000", got.rate, len(got.pcm))
	}
	waitUntil(t, "temp file removal", func() bool {
		_, err := os.Stat(got.path)
		return errors.Is(err, os.ErrNotExist)
	})
	waitUntil(t, "idle", func() bool { return !b.Active() })
}

func TestFileFallbackFlushPlaysShortTail(t *testing.T) {
	player := &fakePlayer{}
	p, err := New(nil, player, Options{TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	_ = p.HandleChunk(base64.StdEncoding.EncodeToString(pcmSamples(100, 10)), "audio/pcm;rate=24000")
	time.Sleep(30 * time.Millisecond)
	if len(player.snapshot()) != 0 {
		t.Fatalf("short chunk played before turn_complete")
	}

	p.TurnComplete()
	waitUntil(t, "flushed tail", func() bool { return len(player.snapshot()) == 1 })
	if got := player.snapshot()[0]; len(got.pcm) != 200 || got.rate != 24000 {
		t.Fatalf("played %d bytes at %d, want 200 at 24000", len(got.pcm), got.rate)
	}
}

func TestFileFallbackSkipsFailingBatch(t *testing.T) {
	player := &fakePlayer{errs: []error{errors.New("codec exploded")}}
	b := NewFileFallbackBackend(player, t.TempDir(), time.Second, nil, nil)
	defer b.Close()

	_ = b.Enqueue(pcmSamples(10, 1), 16000)
	b.Flush()
	waitUntil(t, "first batch", func() bool { return len(player.snapshot()) == 1 })
	waitUntil(t, "idle", func() bool { return !b.Active() })

	_ = b.Enqueue(pcmSamples(10, 2), 16000)
	b.Flush()
	waitUntil(t, "second batch", func() bool { return len(player.snapshot()) == 2 })
}

func TestFileFallbackSplitsOnRateChange(t *testing.T) {
	player := &fakePlayer{}
	b := NewFileFallbackBackend(player, t.TempDir(), time.Second, nil, nil)
	defer b.Close()

	_ = b.Enqueue(pcmSamples(10, 1), 16000)
	_ = b.Enqueue(pcmSamples(10, 1), 24000)
	b.Flush()
	waitUntil(t, "both batches", func() bool { return len(player.snapshot()) == 2 })
	got := player.snapshot()
	if got[0].rate != 16000 || got[1].rate != 24000 {
		t.Fatalf("rates = %d,%d", got[0].rate, got[1].rate)
	}
}

func TestInterruptPreemptsPlayback(t *testing.T) {
	player := &fakePlayer{block: true, started: make(chan struct{}, 1)}
	p, err := New(nil, player, Options{TempDir: t.TempDir(), MinStart: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	b64 := base64.StdEncoding.EncodeToString(pcmSamples(16000, 5))
	_ = p.HandleChunk(b64, "audio/pcm;rate=16000")
	select {
	case <-player.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("playback did not start")
	}
	_ = p.HandleChunk(b64, "audio/pcm;rate=16000")

	p.Interrupt()
	waitUntil(t, "idle after interrupt", func() bool { return !p.Active() })
	if !p.Gate().End().IsZero() || p.Gate().Suppressed(time.Now()) {
		t.Fatalf("gate not reset after interrupt")
	}
	if fb := p.Backend().(*FileFallbackBackend); fb.Buffered() != 0 {
		t.Fatalf("Buffered() = %d after interrupt, want 0", fb.Buffered())
	}
}
