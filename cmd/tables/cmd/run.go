package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/version"
)

const (
	gracefulShutdownTimeout = 30 * time.Second
	readHeaderTimeout       = 10 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve metrics and keep the current version cache up to date",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		logger := logging.FromContext(ctx).WithField(logging.ServiceNameFieldKey, "run")
		logger.WithField("version", version.Version).Info("Initialize tables")

		s, err := newServices(ctx, cfg)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize")
		}
		defer s.Close()

		interval := cfg.GetTablesParams().Reconciler.Interval
		if err := s.reconciler.Start(interval); err != nil {
			logger.WithError(err).Fatal("Failed to start reconciler")
		}
		logger.WithField("interval", interval).Info("Reconciler started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/_health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		server := &http.Server{
			Addr:              cfg.GetListenAddress(),
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			logger.WithField("listen_address", server.Addr).Info("Starting metrics server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Fatal("Metrics server failed")
			}
		}()

		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGTERM)
		<-done
		logger.Info("Shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Metrics server shutdown")
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
