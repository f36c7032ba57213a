package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

const (
	// CaptureSampleRate is the rate the backend expects microphone audio at.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is used when a chunk does not declare its rate.
	PlaybackSampleRate = 24000
	// DefaultGain is applied symmetrically to capture and playback.
	DefaultGain = 1.5

	bytesPerSample = 2
)

var ratePattern = regexp.MustCompile(`(?i)rate=(\d+)`)

// ScalePCM16 multiplies every PCM16LE sample by gain, clamping to the int16
// range. A gain of 1 returns data unchanged. A trailing odd byte is copied.
func ScalePCM16(data []byte, gain float64) []byte {
	if gain == 1 || len(data) < bytesPerSample {
		return data
	}
	out := make([]byte, len(data))
	n := len(data) / bytesPerSample * bytesPerSample
	for i := 0; i < n; i += bytesPerSample {
		s := float64(int16(binary.LittleEndian.Uint16(data[i:])))
		v := math.Round(s * gain)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(v)))
	}
	copy(out[n:], data[n:])
	return out
}

// ScalePCM16Base64 decodes, scales and re-encodes a base64 PCM16 payload.
func ScalePCM16Base64(b64 string, gain float64) (string, error) {
	if gain == 1 {
		return b64, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode pcm base64: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ScalePCM16(raw, gain)), nil
}

// ParseSampleRate extracts rate=NNNNN from a mime type, or returns fallback.
func ParseSampleRate(mimeType string, fallback int) int {
	m := ratePattern.FindStringSubmatch(mimeType)
	if len(m) != 2 {
		return fallback
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Duration is the play time of n bytes of mono PCM16 at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if n <= 0 || sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate*bytesPerSample))
}

// BytesFor is the number of mono PCM16 bytes covering d at sampleRate.
func BytesFor(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(int64(sampleRate*bytesPerSample) * d.Milliseconds() / 1000)
}
