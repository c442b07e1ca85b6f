package play

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/pcmstream/internal/app"
	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/errors"
	"github.com/tphakala/pcmstream/internal/logger"
	"github.com/tphakala/pcmstream/internal/output"
	"github.com/tphakala/pcmstream/internal/pcmfile"
)

// drainPoll is how often a finished file checks whether playback caught up.
const drainPoll = 10 * time.Millisecond

// Command creates a new command playing a WAV or FLAC file.
func Command(ctx *app.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play FILE",
		Short: "Play a WAV or FLAC file",
		Long:  "Play a mono or stereo WAV or FLAC file through the output stream at the file's sample rate.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), ctx, args[0])
		},
	}

	if err := setupFlags(cmd, ctx); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, ctx *app.Context) error {
	cmd.Flags().String("device", "", "Output device name or id")
	cmd.Flags().Int("latency", 0, "Output latency in milliseconds")
	cmd.Flags().Bool("nonblocking", false, "Never block on a full queue")

	return ctx.BindFlags(cmd.Flags(), map[string]string{
		"device":      "output.device",
		"latency":     "output.latencyms",
		"nonblocking": "output.nonblocking",
	})
}

func run(parent context.Context, appCtx *app.Context, path string) error {
	log := appCtx.Logger("play")

	src, err := pcmfile.Open(path, backend.EncodingInt16)
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck // read only

	info := src.Info()
	if info.Channels > 2 {
		return errors.ValidationError(fmt.Sprintf("cannot play %d channel audio, only mono and stereo are supported", info.Channels))
	}

	drv, closer, err := appCtx.OpenDriver()
	if err != nil {
		return err
	}
	defer closer.Close() //nolint:errcheck // nothing left to report

	stream, closeStream, err := appCtx.OpenOutput(drv, info.SampleRate)
	if err != nil {
		return err
	}
	defer closeStream() //nolint:errcheck // Close logs discarded audio itself

	parent, log = appCtx.RunLogger(parent, "play", stream.ID())

	src.SetEncoding(stream.Format().Encoding)
	log.Info("playing",
		logger.String("path", path),
		logger.String("container", info.Container),
		logger.Int("file_channels", info.Channels),
		logger.String("format", stream.Format().String()),
		logger.Int("buffers", stream.BufferCount()))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return appCtx.RunEndpoint(gctx) })
	g.Go(func() error {
		defer cancel()
		return pump(gctx, stream, src, info.Channels, appCtx.Settings.Output.RetryInterval)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("playback interrupted")
		err = nil
	}
	log.Info("playback finished",
		logger.Duration("elapsed", time.Since(started)),
		logger.Uint64("bytes", stream.Status().BytesWritten))
	return err
}

// pump copies src into s until EOF, then waits for queued audio to play.
func pump(ctx context.Context, s *output.Stream, src io.Reader, channels int, retry time.Duration) error {
	sampleSize := s.Format().Encoding.BytesPerSample()
	inFrame := channels * sampleSize
	in := make([]byte, s.ChunkSize()/(stereo*sampleSize)*inFrame)
	var out []byte

	for {
		n, readErr := io.ReadFull(src, in)
		n -= n % inFrame
		out = toStereo(out[:0], in[:n], channels, sampleSize)
		if err := writeAll(ctx, s, out, retry); err != nil {
			return err
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	// pad the last partial chunk with silence so it gets queued
	if pending := s.Status().Pending; pending > 0 {
		if err := writeAll(ctx, s, make([]byte, s.ChunkSize()-pending), retry); err != nil {
			return err
		}
	}
	return drain(ctx, s)
}

// writeAll writes p, sleeping between short writes in nonblocking mode.
func writeAll(ctx context.Context, s *output.Stream, p []byte, retry time.Duration) error {
	for len(p) > 0 {
		n, err := s.WriteContext(ctx, p)
		if err != nil {
			return err
		}
		p = p[n:]
		if len(p) == 0 {
			return nil
		}
		if !s.Alive() {
			return backend.ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
	return nil
}

// drain returns once every buffer is back with the stream.
func drain(ctx context.Context, s *output.Stream) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		// an empty write retries a pending chunk without blocking
		if _, err := s.WriteContext(ctx, nil); err != nil {
			return err
		}
		if s.WriteAvailable() == s.BufferSize() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
