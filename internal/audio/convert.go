package audio

// Conform converts b to the channel count and sample rate of f.
func Conform(b Buffer, f Format) Buffer {
	if b.Channels != f.Channels && f.Channels == 1 {
		b = downmix(b)
	}
	if b.SampleRate != f.SampleRate && b.SampleRate > 0 {
		b = resample(b, f.SampleRate)
	}
	return b
}

func downmix(b Buffer) Buffer {
	if b.Channels <= 1 {
		return b
	}
	frames := b.Frames()
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < b.Channels; c++ {
			sum += int(b.Samples[i*b.Channels+c])
		}
		out[i] = int16(sum / b.Channels)
	}
	return Buffer{Samples: out, Channels: 1, SampleRate: b.SampleRate, Captured: b.Captured}
}

// resample does linear interpolation on mono input.
func resample(b Buffer, rate int) Buffer {
	if b.Channels != 1 {
		b = downmix(b)
	}
	in := b.Samples
	if len(in) == 0 {
		return Buffer{Channels: 1, SampleRate: rate, Captured: b.Captured}
	}
	n := int(int64(len(in)) * int64(rate) / int64(b.SampleRate))
	out := make([]int16, n)
	step := float64(b.SampleRate) / float64(rate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(in[idx])*(1-frac) + float64(in[idx+1])*frac)
	}
	return Buffer{Samples: out, Channels: 1, SampleRate: rate, Captured: b.Captured}
}
