package main

import (
	"context"
	"fmt"
	"io"

	"go.miragespace.co/kv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	logFormat string
	logLevel  string
	prefix    string
	logger    *zap.Logger
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Uniform key-value access over many storage backends",
		Long: "kv reads, writes, tests, copies and serves key-value stores.\n\n" +
			"Stores are addressed by connection strings such as memory://,\n" +
			"file://data, sqlite://kv.db;Table=kv, redis://localhost:6379/0\n" +
			"or http://localhost:8000;Token=secret.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(o.logFormat, o.logLevel)
			if err != nil {
				return err
			}
			o.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if o.logger != nil {
				o.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&o.logFormat, "log-format", "console", "Log format: console or json")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "warn", "Minimum log level")
	cmd.PersistentFlags().StringVar(&o.prefix, "prefix", "", "Operate on the keys under this prefix only")

	cmd.AddCommand(
		newTestCmd(o),
		newServeCmd(o),
		newCopyCmd(o),
		newKeysCmd(o),
		newGetCmd(o),
		newPutCmd(o),
		newRmCmd(o),
		newURLCmd(o),
		newScriptCmd(o),
		newVersionCmd(),
	)
	return cmd
}

func newLogger(format, level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q, expected console or json", format)
	}
	cfg.Level = lvl
	return cfg.Build()
}

// open opens uri, scoped to the --prefix flag.
func (o *rootOptions) open(ctx context.Context, uri string) (kv.Store[[]byte], error) {
	s, err := kv.Open(ctx, uri, o.logger)
	if err != nil {
		return nil, err
	}
	return kv.Prefixed(s, o.prefix), nil
}

func closeStore(o *rootOptions, s kv.Store[[]byte]) {
	if err := kv.Close(s); err != nil {
		o.logger.Warn("closing store", zap.Error(err))
	}
}

func printOK(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.GreenString(format, args...))
}

func printError(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.RedString(format, args...))
}
