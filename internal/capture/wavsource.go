package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ent0n29/sarathi/internal/audio"
)

const defaultFrameDuration = 100 * time.Millisecond

// WAVSource replays a mono PCM16 WAV file as if it were a microphone,
// delivering one frame per FrameDuration in real time.
type WAVSource struct {
	pcm           []byte
	rate          int
	frameDuration time.Duration
	loop          bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWAVSource loads path. With loop set the file restarts when it ends;
// otherwise the source falls silent.
func NewWAVSource(path string, frameDuration time.Duration, loop bool) (*WAVSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wav source: %w", err)
	}
	pcm, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return NewPCMSource(pcm, rate, frameDuration, loop), nil
}

func NewPCMSource(pcm []byte, rate int, frameDuration time.Duration, loop bool) *WAVSource {
	if frameDuration <= 0 {
		frameDuration = defaultFrameDuration
	}
	return &WAVSource{pcm: pcm, rate: rate, frameDuration: frameDuration, loop: loop}
}

func (s *WAVSource) SampleRate() int { return s.rate }

func (s *WAVSource) Start(ctx context.Context, onFrame func(frame []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("wav source already started")
	}
	if len(s.pcm) == 0 {
		return fmt.Errorf("wav source is empty")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, onFrame, s.done)
	return nil
}

func (s *WAVSource) run(ctx context.Context, onFrame func([]byte), done chan struct{}) {
	defer close(done)
	frameBytes := audio.BytesFor(s.frameDuration, s.rate)
	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()

	off := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if off >= len(s.pcm) {
			if !s.loop {
				return
			}
			off = 0
		}
		end := min(off+frameBytes, len(s.pcm))
		onFrame(s.pcm[off:end])
		off = end
	}
}

func (s *WAVSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
