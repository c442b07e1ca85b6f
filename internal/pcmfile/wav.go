package pcmfile

import (
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/pcmstream/internal/errors"
)

const (
	wavHeaderSize = 44
	wavFormatPCM  = 1

	// samples decoded per PCMBuffer call
	wavReadSamples = 8192
)

func (r *Reader) initWAV() error {
	decoder := wav.NewDecoder(r.file)
	decoder.ReadInfo()

	if !decoder.IsValidFile() {
		return errors.Newf("invalid WAV file format").
			Component(componentPCMFile).
			Category(errors.CategoryFileParsing).
			Context("path", r.file.Name()).
			Build()
	}
	if decoder.WavAudioFormat != wavFormatPCM {
		return errors.Newf("unsupported WAV encoding %d, only integer PCM is supported", decoder.WavAudioFormat).
			Component(componentPCMFile).
			Category(errors.CategoryFileParsing).
			Build()
	}

	bitDepth := int(decoder.BitDepth)
	channels := int(decoder.NumChans)
	if err := validateLayout("wav", bitDepth, channels); err != nil {
		return err
	}

	var frames int64
	if fileInfo, err := r.file.Stat(); err == nil && fileInfo.Size() > wavHeaderSize {
		frames = (fileInfo.Size() - wavHeaderSize) / int64(bitDepth/8*channels)
	}

	r.info = Info{
		Container:  "wav",
		SampleRate: int(decoder.SampleRate),
		Channels:   channels,
		BitDepth:   bitDepth,
		Frames:     frames,
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, wavReadSamples*channels),
		Format: &audio.Format{SampleRate: r.info.SampleRate, NumChannels: channels},
	}
	r.next = func() ([]int, error) {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return nil, errors.New(err).
				Component(componentPCMFile).
				Category(errors.CategoryFileParsing).
				Context("container", "wav").
				Build()
		}
		if n == 0 {
			return nil, io.EOF
		}
		return buf.Data[:n], nil
	}
	return nil
}
