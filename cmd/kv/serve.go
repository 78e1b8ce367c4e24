package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/config"
	"go.miragespace.co/kv/httpkv"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(o *rootOptions) *cobra.Command {
	var (
		configPath  string
		maxBodySize string
		profiler    bool
		flags       config.Server
	)
	cmd := &cobra.Command{
		Use:   "serve [connection string]",
		Short: "Serves a store over HTTP",
		Long: "Serves a store over HTTP. Flags override the server section of\n" +
			"the --config file. Stores listed in the config file are served\n" +
			"under /stores/<name>.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := afero.NewOsFs()

			var meta config.Meta
			if configPath != "" {
				m, err := config.Load(fs, configPath)
				if err != nil {
					return err
				}
				meta = m
			}

			srv := meta.Server
			if len(args) == 1 {
				srv.Store = args[0]
			}
			set := cmd.Flags().Changed
			if set("listen") {
				srv.Listen = flags.Listen
			}
			if set("token") {
				srv.Token = flags.Token
			}
			if set("secret") {
				srv.Secret = flags.Secret
			}
			if set("type") {
				srv.Type = flags.Type
			}
			if set("schema") {
				srv.Schema = flags.Schema
			}
			if set("max-body-size") {
				n, err := units.RAMInBytes(maxBodySize)
				if err != nil {
					return fmt.Errorf("invalid --max-body-size: %w", err)
				}
				srv.MaxBodySize = n
			}
			srv, err := srv.CheckAndSetDefaults()
			if err != nil {
				return err
			}
			if srv.Store == "" {
				return errors.New("no store to serve: pass a connection string or set server.store")
			}

			validate, err := srv.Validator(fs)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			manager := kv.NewManager(o.logger)
			defer manager.Close()
			for _, name := range meta.StoreNames() {
				if err := manager.Configure(ctx, name, meta.Stores[name]); err != nil {
					return err
				}
			}

			store, err := o.open(ctx, srv.Store)
			if err != nil {
				return err
			}
			defer closeStore(o, store)

			opts := httpkv.HandlerOptions{
				Token:       srv.Token,
				Secret:      srv.Secret,
				Validate:    validate,
				MaxBodySize: srv.MaxBodySize,
				Logger:      o.logger,
			}

			router := chi.NewRouter()
			router.Use(middleware.Recoverer)
			if profiler {
				router.Mount("/debug", middleware.Profiler())
			}
			manager.Range(func(name string, s kv.Store[[]byte]) bool {
				extra := opts
				extra.Validate = nil
				router.Mount("/stores/"+name, httpkv.NewHandler(s, extra))
				return true
			})
			router.Mount("/", httpkv.NewHandler(store, opts))

			return listen(ctx, o.logger, srv.Listen, router, srv.Type)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&flags.Listen, "listen", config.DefaultListen, "Address to listen on")
	cmd.Flags().StringVar(&flags.Token, "token", "", "Bearer token required from clients")
	cmd.Flags().StringVar(&flags.Secret, "secret", "", "Secret validating signed tokens")
	cmd.Flags().StringVar(&flags.Type, "type", config.DefaultType, "Payload type: bytes, str, int, float, bool, dict, list or set")
	cmd.Flags().StringVar(&flags.Schema, "schema", "", "JSON Schema file payloads must satisfy")
	cmd.Flags().StringVar(&maxBodySize, "max-body-size", "32MiB", "Largest accepted payload")
	cmd.Flags().BoolVar(&profiler, "profiler", false, "Expose pprof under /debug")
	return cmd
}

func listen(ctx context.Context, logger *zap.Logger, addr string, handler http.Handler, payloadType string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ready", zap.String("addr", addr), zap.String("type", payloadType))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
