package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/application/session"
	"github.com/reglet-dev/mediahost/config"
	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/infrastructure/rtpfeed"
)

type receiveOptions struct {
	listen      string
	codec       string
	origin      string
	output      string
	payloadType uint8
}

func newReceiveCommand(flags *rootFlags) *cobra.Command {
	opts := &receiveOptions{}
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Decode an RTP video stream through a codec plugin",
		Long: `receive listens for RTP on a UDP address, reassembles VP8 frames and
decodes them in the plugin selected for --codec. Decoded frames are written
as packed I420 to --output when it is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := net.ListenPacket("udp", opts.listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", opts.listen, err)
			}
			var out io.Writer
			if opts.output != "" {
				f, err := os.Create(opts.output)
				if err != nil {
					_ = conn.Close()
					return err
				}
				defer f.Close()
				out = f
			}
			return receive(ctx, cfg, logger, conn, out, opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "127.0.0.1:5004", "UDP address to receive RTP on")
	cmd.Flags().StringVar(&opts.codec, "codec", entities.VideoCodecVP8.Tag(), "codec tag the decoding plugin must declare")
	cmd.Flags().StringVar(&opts.origin, "origin", "mediahost-cli", "origin requesting the decoder")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "file to append decoded I420 frames to")
	cmd.Flags().Uint8Var(&opts.payloadType, "payload-type", 96, "RTP payload type of the video stream")
	return cmd
}

func receive(ctx context.Context, cfg *config.Config, logger *zap.Logger, conn net.PacketConn, out io.Writer, opts *receiveOptions) error {
	registry := newRegistry(cfg, logger, nil)
	if err := startRegistry(ctx, registry, cfg, logger); err != nil {
		_ = conn.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sink := &frameWriter{out: out, logger: logger, terminated: cancel}

	var dec *session.Decoder
	err := registry.Loop().Call(ctx, func() error {
		var err error
		dec, err = registry.OpenDecoder(ctx, opts.origin, []string{opts.codec})
		if err != nil {
			return err
		}
		settings := entities.VideoCodecSettings{Codec: entities.VideoCodecFromTag(opts.codec)}
		if err := dec.InitDecode(settings, nil, 1, sink); err != nil {
			dec.Close()
			return err
		}
		return nil
	})
	if err != nil {
		_ = conn.Close()
		return stdErrors.Join(fmt.Errorf("open decoder: %w", err), stopRegistry(registry, logger))
	}
	logger.Info("receiving rtp", zap.String("addr", conn.LocalAddr().String()), zap.String("codec", opts.codec))

	feeder := rtpfeed.New(dec, rtpfeed.WithLogger(logger), rtpfeed.WithPayloadType(opts.payloadType))
	runErr := feeder.Serve(ctx, conn, registry.Loop())

	var submitted, decoded uint64
	_ = registry.Loop().Call(context.Background(), func() error {
		submitted, decoded = dec.FrameCount(), sink.decoded
		dec.Close()
		return nil
	})
	logger.Info("receive finished", zap.Uint64("frames_in", submitted), zap.Uint64("frames_out", decoded))
	return stdErrors.Join(runErr, sink.err, stopRegistry(registry, logger))
}

// frameWriter is the decoder callback of the receive command. It runs on
// the registry loop.
type frameWriter struct {
	out        io.Writer
	logger     *zap.Logger
	err        error
	terminated context.CancelFunc
	decoded    uint64
}

var _ session.DecoderCallback = (*frameWriter)(nil)

func (w *frameWriter) Decoded(frame *entities.VideoFrame) {
	w.decoded++
	if w.out == nil || w.err != nil {
		return
	}
	if _, err := w.out.Write(frame.Data[:frame.PayloadSize()]); err != nil {
		w.err = fmt.Errorf("write frame: %w", err)
		w.terminated()
	}
}

func (w *frameWriter) ReceivedDecodedReferenceFrame(uint64) {}

func (w *frameWriter) ReceivedDecodedFrame(uint64) {}

func (w *frameWriter) InputDataExhausted() {}

func (w *frameWriter) DrainComplete() {}

func (w *frameWriter) ResetComplete() {}

func (w *frameWriter) Error(err error) {
	w.logger.Warn("decoder error", zap.Error(err))
}

func (w *frameWriter) Terminated() {
	w.terminated()
}
