package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"coderd/internal/httpapi"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr        string
		corsOrigins string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Example: "  coderd serve --addr :8080\n" +
			"  coderd serve -c coderd.yaml --cors-origins 'http://localhost:5173'",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			if corsOrigins != "" {
				a.cfg.Server.CORS.Enabled = true
				a.cfg.Server.CORS.AllowedOrigins = splitCSV(corsOrigins)
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080 (overrides config)")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins; enables CORS")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, _, err := a.buildStack(stackOptions{registry: prometheus.DefaultRegisterer, base: ctx})
	if err != nil {
		return err
	}
	defer m.Close()

	sc := a.cfg.Server
	httpapi.SetLogger(a.log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(sc.MaxBodyBytes)
	httpapi.SetRequestTimeoutSeconds(sc.InferTimeoutSeconds)
	httpapi.SetAPIKey(sc.APIKey)
	cors := sc.CORS
	if cors.Enabled {
		if len(cors.AllowedMethods) == 0 {
			cors.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
		}
		if len(cors.AllowedHeaders) == 0 {
			cors.AllowedHeaders = []string{"Content-Type", "Authorization", "X-Log-Level"}
		}
	}
	httpapi.SetCORSOptions(cors.Enabled, cors.AllowedOrigins, cors.AllowedMethods, cors.AllowedHeaders)

	srv := &http.Server{
		Addr:              sc.Addr,
		Handler:           httpapi.NewMux(m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", sc.Addr).Str("models_dir", a.cfg.ModelsCacheDir).Bool("auth", sc.APIKey != "").Msg("coderd listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown (Ctrl+C / SIGTERM)
	a.log.Info().Msg("shutting down")
	m.Close()
	sctx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown error")
		return err
	}
	return nil
}
