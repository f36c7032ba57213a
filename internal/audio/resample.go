package audio

import (
	"encoding/binary"
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts mono PCM16LE between sample rates.
type Resampler struct {
	inRate  int
	outRate int
	r       resampling.Resampler
}

// NewResampler returns a passthrough resampler when the rates match.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", inRate, outRate)
	}
	rs := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return rs, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	rs.r = r
	return rs, nil
}

// Passthrough reports whether Process returns its input untouched.
func (rs *Resampler) Passthrough() bool { return rs.r == nil }

// Process resamples one frame. Output length may vary between calls while
// the filter is primed.
func (rs *Resampler) Process(pcm []byte) ([]byte, error) {
	if rs.r == nil {
		return pcm, nil
	}
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return nil, nil
	}
	in := make([]float64, n)
	for i := 0; i < n; i++ {
		in[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	out, err := rs.r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	buf := make([]byte, len(out)*bytesPerSample)
	for i, s := range out {
		v := int16(s * 32767.0)
		if s > 1.0 {
			v = 32767
		} else if s < -1.0 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf, nil
}
