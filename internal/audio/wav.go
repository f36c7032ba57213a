package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAVHeaderSize is the size of the canonical PCM WAV header.
const WAVHeaderSize = 44

// WAVHeader returns the canonical 44-byte header for dataLen bytes of mono
// PCM16LE audio at sampleRate.
func WAVHeader(dataLen, sampleRate int) []byte {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = PlaybackSampleRate
	}
	h := make([]byte, WAVHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], audioFormat)
	binary.LittleEndian.PutUint16(h[22:24], numChannels)
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*numChannels*bitsPerSample/8))
	binary.LittleEndian.PutUint16(h[32:34], numChannels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// EncodeWAV wraps raw PCM16LE mono bytes in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, WAVHeader(len(pcm), sampleRate)...)
	return append(out, pcm...)
}

// WriteWAV streams a WAV container to w.
func WriteWAV(w io.Writer, pcm []byte, sampleRate int) error {
	if _, err := w.Write(WAVHeader(len(pcm), sampleRate)); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

// WriteTempWAV writes pcm to a new temporary WAV file in dir and returns its
// path. The caller owns the file.
func WriteTempWAV(dir string, pcm []byte, sampleRate int) (string, error) {
	f, err := os.CreateTemp(dir, "sarathi-playback-*.wav")
	if err != nil {
		return "", fmt.Errorf("create temp wav: %w", err)
	}
	if err := WriteWAV(f, pcm, sampleRate); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp wav: %w", err)
	}
	return f.Name(), nil
}

// DecodeWAV returns the PCM payload and sample rate of a canonical mono
// PCM16 WAV file.
func DecodeWAV(data []byte) ([]byte, int, error) {
	if len(data) < WAVHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a wav container")
	}
	if format := binary.LittleEndian.Uint16(data[20:22]); format != 1 {
		return nil, 0, fmt.Errorf("unsupported wav format %d", format)
	}
	if bits := binary.LittleEndian.Uint16(data[34:36]); bits != 16 {
		return nil, 0, fmt.Errorf("unsupported bits per sample %d", bits)
	}
	rate := int(binary.LittleEndian.Uint32(data[24:28]))
	n := int(binary.LittleEndian.Uint32(data[40:44]))
	pcm := data[WAVHeaderSize:]
	if n < len(pcm) {
		pcm = pcm[:n]
	}
	return pcm, rate, nil
}
