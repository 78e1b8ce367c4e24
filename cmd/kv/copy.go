package main

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/config"

	"github.com/spf13/cobra"
)

// checkedCodec passes payloads through unchanged, rejecting on read those
// that fail check.
type checkedCodec struct {
	check func([]byte) error
}

func (c checkedCodec) Parse(data []byte) ([]byte, error) {
	if err := c.check(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c checkedCodec) Dump(value []byte) ([]byte, error) {
	return value, nil
}

func newCopyCmd(o *rootOptions) *cobra.Command {
	var (
		input       string
		output      string
		payloadType string
		verbose     bool
		move        bool
		opts        kv.BulkOptions
	)
	cmd := &cobra.Command{
		Use:   "copy -i <input> -o <output>",
		Short: "Copies every key of a store into another",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			check, err := config.TypeValidator(payloadType)
			if err != nil {
				return err
			}

			from, err := o.open(ctx, input)
			if err != nil {
				return err
			}
			defer closeStore(o, from)
			to, err := o.open(ctx, output)
			if err != nil {
				return err
			}
			defer closeStore(o, to)

			if check != nil {
				from = kv.Typed(from, kv.Codec[[]byte](checkedCodec{check: check}))
			}

			var seen atomic.Int64
			if verbose {
				opts.Progress = func(key string, err error) {
					n := seen.Add(1)
					if err != nil {
						printError(out, "[%d] %s: %v", n, key, err)
						return
					}
					fmt.Fprintf(out, "[%d] %s\n", n, key)
				}
			}
			opts.Logger = o.logger

			bulk, verb := kv.CopyAll[[]byte], "Copied"
			if move {
				bulk, verb = kv.MoveAll[[]byte], "Moved"
			}
			n, err := bulk(ctx, from, to, opts)

			var bulkErr *kv.BulkError
			switch {
			case errors.As(err, &bulkErr):
				printError(out, "%s %d item(s), %d failed", verb, n, len(bulkErr.Failures))
				return err
			case err != nil:
				return err
			}
			printOK(out, "%s %d item(s)", verb, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Input connection string")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output connection string")
	cmd.Flags().StringVar(&payloadType, "type", config.DefaultType, "Only copy payloads of this type: bytes, str, int, float, bool, dict, list or set")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every key")
	cmd.Flags().BoolVar(&move, "move", false, "Delete each key from the input once copied")
	cmd.Flags().Int64Var(&opts.Concurrency, "concurrency", kv.DefaultBulkConcurrency, "Keys copied in parallel")
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "Stop at the first failure")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
	return cmd
}
