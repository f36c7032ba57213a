package playback

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ent0n29/sarathi/internal/audio"
)

func TestArchivePlayerCopiesClips(t *testing.T) {
	src, err := audio.WriteTempWAV(t.TempDir(), make([]byte, 480), 24000)
	if err != nil {
		t.Fatalf("WriteTempWAV() error = %v", err)
	}
	out := filepath.Join(t.TempDir(), "replies")
	p := &ArchivePlayer{Dir: out}

	for i := 0; i < 2; i++ {
		if err := p.Play(context.Background(), src); err != nil {
			t.Fatalf("Play() error = %v", err)
		}
	}
	if p.Archived() != 2 {
		t.Fatalf("Archived() = %d, want 2", p.Archived())
	}
	if _, err := os.Stat(filepath.Join(out, "reply-0002.wav")); err != nil {
		t.Fatalf("second clip missing: %v", err)
	}
}

func TestArchivePlayerPaceHonoursCancel(t *testing.T) {
	// Ten seconds of audio; the cancel must cut the wait short.
	src, _ := audio.WriteTempWAV(t.TempDir(), make([]byte, audio.BytesFor(10*time.Second, 16000)), 16000)
	p := &ArchivePlayer{Dir: t.TempDir(), Pace: true}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.Play(ctx, src)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Play() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("paced play ignored cancellation")
	}
}

func TestWriterSinkStreamsThroughBackend(t *testing.T) {
	var buf bytes.Buffer
	var rates []int
	sink := &WriterSink{W: &buf, OnRate: func(rate int) error {
		rates = append(rates, rate)
		return nil
	}}
	b := NewStreamingBackend(sink, nil, nil)
	if err := b.Enqueue([]byte{1, 2, 3, 4}, 24000); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := b.Enqueue([]byte{5, 6}, 16000); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("written = %v", buf.Bytes())
	}
	if len(rates) != 2 || rates[0] != 24000 || rates[1] != 16000 {
		t.Fatalf("rates = %v, want [24000 16000]", rates)
	}
}
