package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reglet-dev/mediahost/child"
	"github.com/reglet-dev/mediahost/codecs/rawvideo"
	"github.com/reglet-dev/mediahost/config"
	"github.com/reglet-dev/mediahost/infrastructure/native"
	"github.com/reglet-dev/mediahost/infrastructure/wazero"
	"github.com/reglet-dev/mediahost/log"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

// load reads the configuration and builds the logger it describes.
func (f *rootFlags) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	logger, err := log.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newRootCommand(version, commit, date string) *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "mediahost",
		Short: "Host for sandboxed media codec plugins",
		Long: `mediahost discovers codec plugins in gmp-<name> directories, runs each
plugin in its own sandboxed process and brokers decode, encode and storage
sessions between callers and those processes.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: false,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		newServeCommand(flags),
		newReceiveCommand(flags),
		newInspectCommand(),
		newSchemaCommand(),
		newChildCommand(),
	)
	return rootCmd
}

// moduleLoader resolves plugin directories to codec modules: statically
// linked codecs first, then WASM and native libraries.
func moduleLoader(logger *zap.Logger) *child.Loader {
	nativeLoad := native.NewLoadFunc(logger)
	return child.NewLoader(
		child.WithStatic(rawvideo.Name, rawvideo.New),
		child.WithFormat(".wasm", wazero.NewLoadFunc(wazero.WithLogger(logger))),
		child.WithFormat(".so", nativeLoad),
		child.WithFormat(".dylib", nativeLoad),
		child.WithFormat(".dll", nativeLoad),
	)
}
