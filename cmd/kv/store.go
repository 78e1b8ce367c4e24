package main

import (
	"fmt"
	"io"
	"time"

	"go.miragespace.co/kv"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newKeysCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys <connection string>",
		Short: "Lists the keys of a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := o.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeStore(o, s)

			var errs error
			for key, err := range s.Keys(ctx) {
				if err != nil {
					errs = multierr.Append(errs, err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return errs
		},
	}
}

func newGetCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <connection string> <key>",
		Short: "Writes the value of a key to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := o.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeStore(o, s)

			val, err := s.Read(ctx, args[1])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(val)
			return err
		},
	}
}

func newPutCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <connection string> <key> [value]",
		Short: "Stores a value, read from stdin when not given",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var val []byte
			if len(args) == 3 {
				val = []byte(args[2])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading value: %w", err)
				}
				val = data
			}

			s, err := o.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeStore(o, s)
			return s.Insert(ctx, args[1], val)
		},
	}
}

func newRmCmd(o *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rm <connection string> <key>...",
		Short: "Deletes keys",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := o.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeStore(o, s)

			var errs error
			for _, key := range args[1:] {
				err := s.Delete(ctx, key)
				if force && kv.IsInexistent(err) {
					continue
				}
				errs = multierr.Append(errs, err)
			}
			return errs
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Ignore missing keys")
	return cmd
}

func newURLCmd(o *rootOptions) *cobra.Command {
	var expiry time.Duration
	cmd := &cobra.Command{
		Use:   "url <connection string> <key>",
		Short: "Prints a URL the value of a key can be fetched from",
		Long: "Prints a URL for a key, for stores able to render one\n" +
			"(HTTP stores and Swift containers with a temp URL key).",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := o.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeStore(o, s)

			var until time.Time
			if expiry > 0 {
				until = time.Now().Add(expiry)
			}
			u, err := kv.URL(s, args[1], until)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "How long the URL stays valid, 0 for no expiry")
	return cmd
}
