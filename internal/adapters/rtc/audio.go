package rtc

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/wav"
)

const (
	sampleRate      = 8000
	frameDuration   = 20 * time.Millisecond
	samplesPerFrame = sampleRate / 50
)

// linearToUlaw encodes one 16-bit sample as G.711 µ-law.
func linearToUlaw(sample int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)
	s := int(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > clip {
		s = clip
	}
	s += bias
	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	s := (((mantissa << 3) + 0x84) << exponent) - 0x84
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}

func encodeUlaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = linearToUlaw(s)
	}
	return out
}

// applyGain scales pcm in place. level is 0..200 with 100 as unity.
func applyGain(pcm []int16, level int) {
	if level == 100 {
		return
	}
	g := float64(level) / 100
	for i, s := range pcm {
		v := float64(s) * g
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		pcm[i] = int16(v)
	}
}

// rmsLevel returns the frame level in 0..1.
func rmsLevel(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s) / 32768
		sum += f * f
	}
	return math.Min(1, math.Sqrt(sum/float64(len(pcm))))
}

func ulawLevel(payload []byte) float64 {
	pcm := make([]int16, len(payload))
	for i, b := range payload {
		pcm[i] = ulawToLinear(b)
	}
	return rmsLevel(pcm)
}

// decodeWAVFile loads a PCM WAV file as 8 kHz mono 16-bit samples.
func decodeWAVFile(path string) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid WAV file", path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%s has no usable audio format", path)
	}

	channels := buf.Format.NumChannels
	mono := make([]int16, len(buf.Data)/channels)
	for i := range mono {
		var acc int
		for c := 0; c < channels; c++ {
			acc += to16(buf.Data[i*channels+c], buf.SourceBitDepth)
		}
		mono[i] = int16(acc / channels)
	}
	return resample(mono, buf.Format.SampleRate, sampleRate), nil
}

func to16(v, depth int) int {
	switch depth {
	case 8:
		return (v - 128) << 8
	case 24:
		return v >> 8
	case 32:
		return v >> 16
	default:
		return v
	}
}

// resample uses linear interpolation, good enough for speech at 8 kHz.
func resample(in []int16, from, to int) []int16 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}
