// Package audio decodes uploaded recordings, measures their signal quality and
// prepares accepted takes for training.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	ErrNotWAV         = errors.New("not a RIFF/WAVE file")
	ErrUnsupportedPCM = errors.New("unsupported WAV encoding")
)

// Clip is a mono signal in [-1, 1].
type Clip struct {
	Samples    []float64
	SampleRate int
	// SourceChannels and SourceBitDepth describe the file before mixdown.
	SourceChannels int
	SourceBitDepth int
}

func (c *Clip) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// DecodeWAV reads linear PCM WAV data and mixes it down to mono.
func DecodeWAV(data []byte) (*Clip, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		if err := d.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
		}
		return nil, ErrNotWAV
	}
	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: format tag %d", ErrUnsupportedPCM, d.WavAudioFormat)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("read pcm: %w", io.ErrUnexpectedEOF)
	}

	depth := int(d.BitDepth)
	scale, offset, err := pcmScale(depth)
	if err != nil {
		return nil, err
	}
	ch := buf.Format.NumChannels
	if ch < 1 {
		ch = 1
	}
	frames := len(buf.Data) / ch
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += (float64(buf.Data[i*ch+c]) - offset) / scale
		}
		out[i] = sum / float64(ch)
	}
	return &Clip{
		Samples:        out,
		SampleRate:     int(d.SampleRate),
		SourceChannels: ch,
		SourceBitDepth: depth,
	}, nil
}

func pcmScale(depth int) (scale, offset float64, err error) {
	switch depth {
	case 8:
		// 8 位 PCM 为无符号
		return 128, 128, nil
	case 16, 24, 32:
		return math.Exp2(float64(depth - 1)), 0, nil
	default:
		return 0, 0, fmt.Errorf("%w: %d-bit", ErrUnsupportedPCM, depth)
	}
}

// EncodeWAV16 writes a mono 16-bit PCM WAV.
func EncodeWAV16(samples []float64, sampleRate int) ([]byte, error) {
	ints := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		ints[i] = int(math.Round(s * 32767))
	}
	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

// writeSeeker is the in-memory io.WriteSeeker the WAV encoder needs to patch
// its header sizes.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	w.pos = int(abs)
	return abs, nil
}
