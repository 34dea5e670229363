package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/humano-saude/funnel-api/internal/api"
	"github.com/humano-saude/funnel-api/internal/extract"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the funnel HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "serve: migrate")
		}

		var extractor api.Extractor
		if cfg.Vision.Key != "" {
			ex, err := extract.New(extract.Config{
				APIKey:        cfg.Vision.Key,
				Model:         cfg.Vision.Model,
				RatePerSecond: cfg.Vision.RatePerSecond,
			})
			if err != nil {
				return err
			}
			extractor = ex
		} else {
			zap.L().Warn("no vision API key set, invoice extraction disabled")
		}

		_, handler := api.NewServer(api.Options{
			Store:          st,
			Extractor:      extractor,
			PageSize:       cfg.Funnel.PageSize,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: handler,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
