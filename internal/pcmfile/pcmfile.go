// Package pcmfile reads WAV and FLAC files as interleaved PCM byte streams
// and writes captured PCM to WAV.
package pcmfile

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/errors"
)

const componentPCMFile = "pcmfile"

// Info describes the source file.
type Info struct {
	Container  string `json:"container"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
	Frames     int64  `json:"frames"` // best effort, 0 when unknown
}

// Reader decodes a file into interleaved PCM.
type Reader struct {
	file     *os.File
	info     Info
	encoding backend.Encoding
	next     func() ([]int, error)

	buf     []byte
	pending []byte
}

// Open opens a .wav or .flac file. Samples are delivered in enc.
func Open(path string, enc backend.Encoding) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component(componentPCMFile).
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}

	r := &Reader{file: file, encoding: enc}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		err = r.initWAV()
	case ".flac":
		err = r.initFLAC()
	default:
		err = errors.Newf("unsupported audio file type %q", ext).
			Component(componentPCMFile).
			Category(errors.CategoryValidation).
			Context("path", path).
			Build()
	}
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return r, nil
}

// Info returns the source file description.
func (r *Reader) Info() Info { return r.info }

// Format returns the format of the bytes produced by Read.
func (r *Reader) Format() backend.Format {
	return backend.Format{
		SampleRate: r.info.SampleRate,
		Channels:   r.info.Channels,
		Encoding:   r.encoding,
	}
}

// SetEncoding changes the encoding of samples decoded from now on. Bytes
// already decoded but not yet read keep their encoding, so call it before
// the first Read.
func (r *Reader) SetEncoding(enc backend.Encoding) {
	r.encoding = enc
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		samples, err := r.next()
		if err != nil {
			return 0, err
		}
		r.buf = encodeSamples(r.buf[:0], samples, r.info.BitDepth, r.encoding)
		r.pending = r.buf
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

var _ io.ReadCloser = (*Reader)(nil)

func validateLayout(container string, bitDepth, channels int) error {
	if bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		return errors.Newf("unsupported bit depth: %d", bitDepth).
			Component(componentPCMFile).
			Category(errors.CategoryFileParsing).
			Context("container", container).
			Build()
	}
	if channels < 1 || channels > 8 {
		return errors.Newf("unsupported number of channels: %d", channels).
			Component(componentPCMFile).
			Category(errors.CategoryFileParsing).
			Context("container", container).
			Build()
	}
	return nil
}

// getAudioDivisor returns the full-scale value for a bit depth.
func getAudioDivisor(bitDepth int) float32 {
	return float32(int64(1) << (bitDepth - 1))
}

// encodeSamples appends samples of the given bit depth to dst in enc.
func encodeSamples(dst []byte, samples []int, bitDepth int, enc backend.Encoding) []byte {
	if enc == backend.EncodingFloat32 {
		divisor := getAudioDivisor(bitDepth)
		for _, s := range samples {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(s)/divisor))
		}
		return dst
	}

	shift := bitDepth - 16
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(s>>shift)))
	}
	return dst
}
