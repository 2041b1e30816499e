package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/config"
	"github.com/go-go-golems/rebuttal/pkg/webapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the recording API, live view websocket, insight pipeline and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := r.settings()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), s)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	r.bind(cmd, "addr", "http.addr")
	return cmd
}

func runServe(parent context.Context, s config.Settings) error {
	if err := s.Transcription.Validate(); err != nil {
		// sessions and the pipeline endpoint still work; starting a recording will not
		log.Warn().Err(err).Str("component", "cli").Msg("transcription is not configured")
	}

	srvCtx, srvCancel := context.WithCancel(parent)
	defer srvCancel()

	a, err := newApp(srvCtx, s)
	if err != nil {
		return err
	}

	opts := []webapi.Option{
		webapi.WithRecorder(a.orchestrator),
		webapi.WithMetrics(a.metrics.Handler()),
		webapi.WithUserID(s.UserID),
	}
	// only an in-process pipeline is re-exported; a remote one already has its own endpoint
	if s.Insights.Mode == config.InsightsLocal && a.pipeline != nil {
		opts = append(opts, webapi.WithPipeline(a.pipeline, s.Insights.APIKey))
	}
	api := webapi.NewServer(a.store, opts...)

	server := &http.Server{
		Addr:              s.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg := errgroup.Group{}
	eg.Go(func() error {
		sigCtx, stop := signal.NotifyContext(srvCtx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-sigCtx.Done()
		log.Info().Str("component", "cli").Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		api.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("component", "cli").Msg("server shutdown error")
		}
		err := a.shutdown(shutdownCtx, 10*time.Second)
		srvCancel()
		if err != nil {
			log.Error().Err(err).Str("component", "cli").Msg("close failed")
			return err
		}
		log.Info().Str("component", "cli").Msg("server shutdown complete")
		return nil
	})
	eg.Go(func() error {
		log.Info().Str("component", "cli").Str("addr", s.HTTP.Addr).Msg("starting rebuttal server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvCancel()
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	return eg.Wait()
}
