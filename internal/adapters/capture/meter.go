package capture

import (
	"math"
	"sync/atomic"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
)

// meter tracks the normalised RMS level of an audio stream.
type meter struct {
	bits atomic.Uint64
}

func (m *meter) Level() float64 { return math.Float64frombits(m.bits.Load()) }

func (m *meter) set(v float64) { m.bits.Store(math.Float64bits(v)) }

func (m *meter) run(r audio.Reader, stopped *atomic.Bool) {
	for !stopped.Load() {
		chunk, release, err := r.Read()
		if err != nil {
			m.set(0)
			return
		}
		m.observe(chunk)
		if release != nil {
			release()
		}
	}
}

func (m *meter) observe(chunk wave.Audio) {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		m.set(rmsInt16(c.Data))
	case *wave.Float32Interleaved:
		m.set(rmsFloat32(c.Data))
	}
}

func rmsInt16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return clamp(math.Sqrt(sum / float64(len(samples))))
}

func rmsFloat32(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return clamp(math.Sqrt(sum / float64(len(samples))))
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
