package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ent0n29/sarathi/internal/capture"
	"github.com/ent0n29/sarathi/internal/config"
	"github.com/ent0n29/sarathi/internal/playback"
	"github.com/ent0n29/sarathi/internal/video"
)

// Player kinds accepted by Devices.Player.
const (
	PlayerAuto    = "auto"
	PlayerCommand = "command"
	PlayerArchive = "archive"
	PlayerNone    = "none"
)

// Devices selects the local audio and video endpoints. The zero value runs
// text only.
type Devices struct {
	// MicWAV is a WAV file streamed as the microphone.
	MicWAV  string
	MicLoop bool

	Player     string
	ArchiveDir string
	// PCMOut streams raw PCM16 to a file, or to stdout when "-".
	PCMOut string

	// CameraDir is a directory of still images served as camera frames.
	CameraDir string

	RedactTranscript bool
}

// DeviceInfo describes what resolveDevices picked, for status output.
type DeviceInfo struct {
	Mic    string
	Output string
	Camera string
}

type resolvedDevices struct {
	info   DeviceInfo
	source capture.Source
	sink   playback.PCMSink
	player playback.SoundPlayer
	camera video.Camera
}

func resolveDevices(cfg config.Config, d Devices, logger *slog.Logger) (resolvedDevices, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var out resolvedDevices
	out.info = DeviceInfo{Mic: "none", Output: "none", Camera: "none"}

	if path := strings.TrimSpace(d.MicWAV); path != "" {
		src, err := capture.NewWAVSource(path, 0, d.MicLoop)
		if err != nil {
			return out, fmt.Errorf("microphone: %w", err)
		}
		out.source = src
		out.info.Mic = "wav:" + filepath.Base(path)
	}

	if path := strings.TrimSpace(d.PCMOut); path != "" {
		sink, err := pcmSink(path)
		if err != nil {
			return out, err
		}
		out.sink = sink
		out.info.Output = "pcm:" + path
	}

	kind := strings.ToLower(strings.TrimSpace(d.Player))
	if kind == "" {
		kind = PlayerAuto
	}
	switch kind {
	case PlayerNone:
	case PlayerArchive:
		out.player = archivePlayer(d.ArchiveDir)
	case PlayerCommand:
		p, err := playback.DetectCommandPlayer()
		if err != nil {
			return out, fmt.Errorf("player: %w", err)
		}
		out.player = p
	case PlayerAuto:
		if p, err := playback.DetectCommandPlayer(); err == nil {
			out.player = p
		} else if d.ArchiveDir != "" {
			out.player = archivePlayer(d.ArchiveDir)
		} else {
			logger.Info("no audio player found, assistant audio is not played")
		}
	default:
		return out, fmt.Errorf("unsupported player %q", d.Player)
	}
	switch p := out.player.(type) {
	case *playback.CommandPlayer:
		if out.sink == nil || cfg.ForceFilePlayback {
			out.info.Output = "command:" + filepath.Base(p.Path)
		}
	case *playback.ArchivePlayer:
		if out.sink == nil || cfg.ForceFilePlayback {
			out.info.Output = "archive:" + p.Dir
		}
	}

	if dir := strings.TrimSpace(d.CameraDir); dir != "" {
		cam, err := video.NewDirCamera(dir)
		if err != nil {
			return out, fmt.Errorf("camera: %w", err)
		}
		out.camera = cam
		out.info.Camera = "dir:" + dir
	}
	return out, nil
}

func archivePlayer(dir string) *playback.ArchivePlayer {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "sarathi-replies")
	}
	return &playback.ArchivePlayer{Dir: dir, Pace: true}
}

func pcmSink(path string) (*playback.WriterSink, error) {
	if path == "-" {
		return &playback.WriterSink{W: nopCloser{os.Stdout}}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcm output: %w", err)
	}
	return &playback.WriterSink{W: f}, nil
}

// nopCloser keeps Release from closing stdout.
type nopCloser struct{ io.Writer }
