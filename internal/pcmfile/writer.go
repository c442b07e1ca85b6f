package pcmfile

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/errors"
)

// Writer encodes interleaved PCM into a 16-bit WAV file.
type Writer struct {
	file    *os.File
	enc     *wav.Encoder
	format  backend.Format
	buf     *audio.IntBuffer
	partial []byte // incomplete trailing sample
	written int64
}

var _ io.WriteCloser = (*Writer)(nil)

// Create creates a WAV file for PCM in format. Float32 input is converted
// to 16-bit.
func Create(path string, format backend.Format) (*Writer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.New(err).
			Component(componentPCMFile).
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, errors.New(err).
			Component(componentPCMFile).
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}

	return &Writer{
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, 16, format.Channels, wavFormatPCM),
		format: format,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
			SourceBitDepth: 16,
		},
	}, nil
}

// Write implements io.Writer. Bytes of an incomplete sample are held until
// the next call.
func (w *Writer) Write(p []byte) (int, error) {
	data := p
	if len(w.partial) > 0 {
		data = append(w.partial, p...)
		w.partial = nil
	}

	size := w.format.Encoding.BytesPerSample()
	whole := len(data) - len(data)%size
	if whole < len(data) {
		w.partial = append([]byte(nil), data[whole:]...)
	}

	w.buf.Data = w.buf.Data[:0]
	for i := 0; i < whole; i += size {
		w.buf.Data = append(w.buf.Data, sampleToInt16(data[i:], w.format.Encoding))
	}
	if len(w.buf.Data) > 0 {
		if err := w.enc.Write(w.buf); err != nil {
			return 0, errors.New(err).
				Component(componentPCMFile).
				Category(errors.CategoryFileIO).
				FileContext(w.file.Name(), w.written).
				Build()
		}
	}
	w.written += int64(len(p))
	return len(p), nil
}

// Written returns the number of PCM bytes accepted.
func (w *Writer) Written() int64 { return w.written }

// Close finalizes the WAV header and closes the file.
func (w *Writer) Close() error {
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	if encErr != nil {
		return encErr
	}
	return fileErr
}

func sampleToInt16(b []byte, enc backend.Encoding) int {
	if enc != backend.EncodingFloat32 {
		return int(int16(binary.LittleEndian.Uint16(b)))
	}
	f := math.Float32frombits(binary.LittleEndian.Uint32(b))
	f = max(-1, min(1, f))
	return int(f * math.MaxInt16)
}
