package pcmfile

import (
	"encoding/binary"
	"io"

	"github.com/tphakala/flac"

	"github.com/tphakala/pcmstream/internal/errors"
)

func (r *Reader) initFLAC() error {
	decoder, err := flac.NewDecoder(r.file)
	if err != nil {
		return errors.New(err).
			Component(componentPCMFile).
			Category(errors.CategoryFileParsing).
			Context("container", "flac").
			Context("path", r.file.Name()).
			Build()
	}
	if err := validateLayout("flac", decoder.BitsPerSample, decoder.NChannels); err != nil {
		return err
	}

	r.info = Info{
		Container:  "flac",
		SampleRate: decoder.SampleRate,
		Channels:   decoder.NChannels,
		BitDepth:   decoder.BitsPerSample,
		Frames:     int64(decoder.TotalSamples),
	}

	var samples []int
	r.next = func() ([]int, error) {
		frame, err := decoder.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, errors.New(err).
				Component(componentPCMFile).
				Category(errors.CategoryFileParsing).
				Context("container", "flac").
				Build()
		}
		samples = decodeFrame(samples[:0], frame, r.info.BitDepth)
		return samples, nil
	}
	return nil
}

// decodeFrame converts little-endian interleaved sample bytes to ints.
func decodeFrame(dst []int, frame []byte, bitDepth int) []int {
	step := bitDepth / 8
	for i := 0; i+step <= len(frame); i += step {
		var sample int32
		switch bitDepth {
		case 16:
			sample = int32(int16(binary.LittleEndian.Uint16(frame[i:])))
		case 24:
			sample = int32(frame[i]) | int32(frame[i+1])<<8 | int32(int8(frame[i+2]))<<16
		case 32:
			sample = int32(binary.LittleEndian.Uint32(frame[i:]))
		}
		dst = append(dst, int(sample))
	}
	return dst
}
