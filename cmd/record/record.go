package record

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
	"github.com/tphakala/pcmstream/internal/capture"
	"github.com/tphakala/pcmstream/internal/errors"
	"github.com/tphakala/pcmstream/internal/logger"
	"github.com/tphakala/pcmstream/internal/pcmfile"
)

// Command creates a new command recording the capture device to a WAV file.
func Command(ctx *app.Context) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "record FILE",
		Short: "Record from the capture device to a WAV file",
		Long:  "Record mono 16-bit audio until interrupted or until --duration elapses.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), ctx, args[0], duration)
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long, 0 records until interrupted")
	if err := setupFlags(cmd, ctx); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, ctx *app.Context) error {
	cmd.Flags().String("device", "", "Capture device name or id")
	cmd.Flags().Int("rate", 0, "Capture sample rate in Hz")
	cmd.Flags().Int("latency", 0, "Capture latency in milliseconds")

	return ctx.BindFlags(cmd.Flags(), map[string]string{
		"device":  "capture.device",
		"rate":    "capture.samplerate",
		"latency": "capture.latencyms",
	})
}

func run(parent context.Context, appCtx *app.Context, path string, duration time.Duration) error {
	log := appCtx.Logger("record")

	drv, closer, err := appCtx.OpenDriver()
	if err != nil {
		return err
	}
	defer closer.Close() //nolint:errcheck // nothing left to report

	stream, closeStream, err := appCtx.OpenCapture(drv)
	if err != nil {
		return err
	}
	defer closeStream() //nolint:errcheck // closed explicitly below on the happy path

	parent, log = appCtx.RunLogger(parent, "record", stream.ID())

	if err := pcmfile.CheckFreeSpace(path, pcmfile.RequiredSpace(stream.Format(), duration)); err != nil {
		return err
	}
	w, err := pcmfile.Create(path, stream.Format())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := stream.Start(); err != nil {
		_ = w.Close()
		return err
	}
	log.Info("recording",
		logger.String("path", path),
		logger.String("format", stream.Format().String()),
		logger.Int("frames_per_block", stream.FramesPerBlock()),
		logger.Duration("duration", duration))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return appCtx.RunEndpoint(gctx) })
	g.Go(func() error { return pump(gctx, stream, w) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	if stopErr := stream.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	if drainErr := drainStopped(stream, w); drainErr != nil && err == nil {
		err = drainErr
	}
	if closeErr := w.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	log.Info("recording finished",
		logger.Int64("bytes", w.Written()),
		logger.Uint64("dropped_blocks", stream.Dropped()))
	return err
}

// idlePoll paces nonblocking reads that found nothing buffered.
const idlePoll = 5 * time.Millisecond

// pump copies captured audio into w until ctx ends or the stream stops.
func pump(ctx context.Context, s *capture.Stream, w io.Writer) error {
	buf := make([]byte, s.FramesPerBlock()*s.Format().BytesPerFrame())
	for {
		n, err := s.ReadContext(ctx, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if !s.Alive() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idlePoll):
		}
	}
}

// drainStopped writes what a stopped stream still holds.
func drainStopped(s *capture.Stream, w io.Writer) error {
	s.SetNonblocking(true)
	return pump(context.Background(), s, w)
}
