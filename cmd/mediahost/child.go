package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/child"
	"github.com/reglet-dev/mediahost/infrastructure/launcher"
	"github.com/reglet-dev/mediahost/infrastructure/transport"
	"github.com/reglet-dev/mediahost/log"
	"github.com/reglet-dev/mediahost/shmem"
)

func newChildCommand() *cobra.Command {
	var (
		teardown   time.Duration
		poolLength int
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:    launcher.ChildCommand,
		Short:  "Serve one plugin process over stdin and stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the channel, so logs must go to stderr.
			logger, err := log.New(log.Config{Level: logLevel, Format: "json", OutputPaths: []string{"stderr"}})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger = logger.With(zap.Int("pid", os.Getpid()))

			ch := transport.NewStream(transport.NewStdioConn(os.Stdin, os.Stdout),
				transport.WithName("child"), transport.WithLogger(logger))
			rt := child.NewRuntime(ch,
				child.WithLoader(moduleLoader(logger)),
				child.WithLogger(logger),
				child.WithTeardownTimeout(teardown),
				child.WithPoolOptions(shmem.WithMaxLength(poolLength)),
			)
			return rt.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&teardown, "teardown-timeout", 5*time.Second, "time allowed for codec callbacks to drain")
	cmd.Flags().IntVar(&poolLength, "pool-buffers", shmem.DefaultMaxPoolLength, "buffers kept per pool class")
	cmd.Flags().StringVar(&logLevel, "child-log-level", "info", "log level of the plugin process")
	return cmd
}
