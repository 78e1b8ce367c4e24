package main

import (
	"context"
	"errors"
	"fmt"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/kvtest"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errTestsFailed = errors.New("conformance tests failed")

type typedCheck struct {
	name string
	run  func(ctx context.Context, s kv.Store[[]byte], logger *zap.Logger) error
}

var typedChecks = []typedCheck{
	{"bool", func(ctx context.Context, s kv.Store[[]byte], logger *zap.Logger) error {
		return kvtest.Check(ctx, kv.Typed(s, kv.JSON[bool]()), kvtest.Bools, logger)
	}},
	{"bytes", func(ctx context.Context, s kv.Store[[]byte], logger *zap.Logger) error {
		return kvtest.Check(ctx, s, kvtest.Bytes, logger)
	}},
	{"dict", func(ctx context.Context, s kv.Store[[]byte], logger *zap.Logger) error {
		return kvtest.Check(ctx, kv.Typed(s, kv.JSON[map[string]any]()), kvtest.Dicts, logger)
	}},
	{"float", func(ctx context.Context, s kv.Store[[]byte], logger *zap.Logger) error {
		return kvtest.Check(ctx, kv.Typed(s, kv.JSON[float64]()), kvtest.Floats, logger)
	}},
	{"int", func(ctx context.Context, s kv.Store[[]byte], logger *zap.Logger) error {
		return kvtest.Check(ctx, kv.Typed(s, kv.JSON[int64]()), kvtest.Ints, logger)
	}},
	{"list", func(ctx context.Context, s kv.Store[[]byte], logger *zap.Logger) error {
		return kvtest.Check(ctx, kv.Typed(s, kv.JSON[[]any]()), kvtest.Lists, logger)
	}},
	{"str", func(ctx context.Context, s kv.Store[[]byte], logger *zap.Logger) error {
		return kvtest.Check(ctx, kv.Typed(s, kv.String), kvtest.Strings, logger)
	}},
}

func newTestCmd(o *rootOptions) *cobra.Command {
	var (
		verbose bool
		isolate bool
	)
	cmd := &cobra.Command{
		Use:   "test <connection string>",
		Short: "Runs the conformance checks against a store",
		Long: "Runs the conformance procedure for every supported value type.\n" +
			"The store (or the --prefix view of it) must be empty; with\n" +
			"--isolate each run happens under a fresh random prefix instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			s, err := o.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeStore(o, s)

			if !isolate {
				if err := ensureEmpty(ctx, s); err != nil {
					return err
				}
			}

			logger := zap.NewNop()
			if verbose {
				logger = o.logger
			}

			failed := false
			for _, check := range typedChecks {
				fmt.Fprintf(out, "Testing KV[%s]...\n", check.name)
				view := s
				if isolate {
					view = kv.Prefixed(s, "kvtest-"+uuid.NewString())
				}
				err := check.run(ctx, view, logger)
				if cerr := kv.Clear(ctx, view); cerr != nil && err == nil {
					err = fmt.Errorf("cleaning up: %w", cerr)
				}
				if err != nil {
					failed = true
					printError(out, "--> ERROR: %v", err)
					continue
				}
				printOK(out, "--> OK")
			}
			if failed {
				return errTestsFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every check")
	cmd.Flags().BoolVar(&isolate, "isolate", false, "Run each check under a random prefix")
	return cmd
}

// ensureEmpty refuses populated stores, since every check clears the store
// it ran against.
func ensureEmpty(ctx context.Context, s kv.Store[[]byte]) error {
	for key, err := range s.Keys(ctx) {
		if err != nil {
			return err
		}
		return fmt.Errorf("store must be empty for testing, found %q (use --isolate)", key)
	}
	return nil
}
