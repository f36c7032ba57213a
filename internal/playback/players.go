package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ent0n29/sarathi/internal/audio"
)

// CommandPlayer plays a WAV file by running an external program with the
// file path as its last argument.
type CommandPlayer struct {
	Path string
	Args []string
}

// knownPlayers are tried in order by DetectCommandPlayer.
var knownPlayers = [][]string{
	{"afplay"},
	{"paplay"},
	{"aplay", "-q"},
	{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet"},
}

// DetectCommandPlayer returns the first known player found on PATH.
func DetectCommandPlayer() (*CommandPlayer, error) {
	for _, p := range knownPlayers {
		path, err := exec.LookPath(p[0])
		if err != nil {
			continue
		}
		return &CommandPlayer{Path: path, Args: p[1:]}, nil
	}
	return nil, ErrNoBackend
}

func (p *CommandPlayer) Play(ctx context.Context, path string) error {
	args := append(append([]string(nil), p.Args...), path)
	cmd := exec.CommandContext(ctx, p.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			// exec.CommandContext may surface "signal: killed" instead of context cancellation.
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s failed: %w: %s", filepath.Base(p.Path), err, msg)
		}
		return fmt.Errorf("%s failed: %w", filepath.Base(p.Path), err)
	}
	return nil
}

// ArchivePlayer "plays" by copying each file into Dir as reply-NNNN.wav.
// With Pace set it also waits for the clip's duration, so the mic gate and
// Active behave as they would with a speaker.
type ArchivePlayer struct {
	Dir  string
	Pace bool

	seq atomic.Int64
}

func (p *ArchivePlayer) Play(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read clip: %w", err)
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	name := filepath.Join(p.Dir, fmt.Sprintf("reply-%04d.wav", p.seq.Add(1)))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return fmt.Errorf("archive clip: %w", err)
	}
	if !p.Pace {
		return nil
	}
	pcm, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return err
	}
	t := time.NewTimer(audio.Duration(len(pcm), rate))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Archived is the number of clips written so far.
func (p *ArchivePlayer) Archived() int {
	return int(p.seq.Load())
}

// WriterSink streams raw PCM to an io.Writer, e.g. a pipe into an external
// audio process. Rate changes are reported through OnRate.
type WriterSink struct {
	W      io.Writer
	OnRate func(rate int) error

	rate int
}

func (s *WriterSink) Init(sampleRate int) error {
	if s.W == nil {
		return errors.New("writer sink: no writer")
	}
	if s.OnRate != nil && sampleRate != s.rate {
		if err := s.OnRate(sampleRate); err != nil {
			return err
		}
	}
	s.rate = sampleRate
	return nil
}

func (s *WriterSink) Write(pcm []byte) error {
	_, err := s.W.Write(pcm)
	return err
}

func (s *WriterSink) Stop() error { return nil }

func (s *WriterSink) Release() error {
	if c, ok := s.W.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
