package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"testing"
	"time"
)

func pcmOf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func samplesOf(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestScalePCM16UnityGain(t *testing.T) {
	in := pcmOf(0, 1, -1, 32767, -32768, 1234)
	out := ScalePCM16(in, 1)
	if !bytes.Equal(out, in) {
		t.Fatalf("ScalePCM16(gain=1) changed data")
	}
}

func TestScalePCM16ClampsWithoutWrap(t *testing.T) {
	in := []int16{0, 100, -100, 30000, -30000, 32767, -32768, 3}
	out := samplesOf(ScalePCM16(pcmOf(in...), 1.5))
	want := []int16{0, 150, -150, 32767, -32768, 32767, -32768, 5}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, out[i], want[i])
		}
		if abs(out[i]) < abs(in[i]) {
			t.Fatalf("sample %d shrank: %d -> %d", i, in[i], out[i])
		}
		if in[i] != 0 && (out[i] > 0) != (in[i] > 0) {
			t.Fatalf("sample %d changed sign: %d -> %d", i, in[i], out[i])
		}
	}
}

func TestScalePCM16KeepsTrailingByte(t *testing.T) {
	in := append(pcmOf(10), 0x7f)
	out := ScalePCM16(in, 2)
	if len(out) != 3 || out[2] != 0x7f {
		t.Fatalf("out = %v, want trailing byte kept", out)
	}
}

func TestScalePCM16Base64(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString(pcmOf(2, -2))
	got, err := ScalePCM16Base64(b64, 1.5)
	if err != nil {
		t.Fatalf("ScalePCM16Base64() error = %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(got)
	s := samplesOf(raw)
	if s[0] != 3 || s[1] != -3 {
		t.Fatalf("samples = %v, want [3 -3]", s)
	}
	if _, err := ScalePCM16Base64("%%%", 1.5); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestParseSampleRate(t *testing.T) {
	cases := []struct {
		mime string
		want int
	}{
		{"audio/pcm;rate=16000", 16000},
		{"audio/L16; RATE=48000", 48000},
		{"audio/pcm", PlaybackSampleRate},
		{"", PlaybackSampleRate},
		{"audio/pcm;rate=0", PlaybackSampleRate},
	}
	for _, tc := range cases {
		if got := ParseSampleRate(tc.mime, PlaybackSampleRate); got != tc.want {
			t.Fatalf("ParseSampleRate(%q) = %d, want %d", tc.mime, got, tc.want)
		}
	}
}

func TestDurationAndBytesFor(t *testing.T) {
	if got := Duration(4800, 16000); got != 150*time.Millisecond {
		t.Fatalf("Duration(4800, 16000) = %v, want 150ms", got)
	}
	if got := BytesFor(time.Second, 24000); got != 48000 {
		t.Fatalf("BytesFor(1s, 24000) = %d, want 48000", got)
	}
}

func TestWAVHeader(t *testing.T) {
	h := WAVHeader(1000, 24000)
	if len(h) != WAVHeaderSize {
		t.Fatalf("len = %d, want %d", len(h), WAVHeaderSize)
	}
	if string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" || string(h[36:40]) != "data" {
		t.Fatalf("bad chunk ids: %q", h)
	}
	if got := binary.LittleEndian.Uint32(h[4:8]); got != 1036 {
		t.Fatalf("riff size = %d, want 1036", got)
	}
	if got := binary.LittleEndian.Uint32(h[28:32]); got != 48000 {
		t.Fatalf("byte rate = %d, want 48000", got)
	}
	if got := binary.LittleEndian.Uint32(h[40:44]); got != 1000 {
		t.Fatalf("data size = %d, want 1000", got)
	}
}

func TestEncodeDecodeWAV(t *testing.T) {
	pcm := pcmOf(1, 2, 3, 4)
	pcmOut, rate, err := DecodeWAV(EncodeWAV(pcm, 16000))
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if rate != 16000 || !bytes.Equal(pcmOut, pcm) {
		t.Fatalf("DecodeWAV() = (%v, %d), want (%v, 16000)", pcmOut, rate, pcm)
	}
}

func TestResamplerPassthrough(t *testing.T) {
	rs, err := NewResampler(16000, 16000)
	if err != nil {
		t.Fatalf("NewResampler() error = %v", err)
	}
	if !rs.Passthrough() {
		t.Fatalf("Passthrough() = false, want true")
	}
	in := pcmOf(1, 2, 3)
	out, err := rs.Process(in)
	if err != nil || !bytes.Equal(out, in) {
		t.Fatalf("Process() = (%v, %v), want input", out, err)
	}
}

func abs(v int16) int32 {
	if v < 0 {
		return -int32(v)
	}
	return int32(v)
}
