package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/THEMKM/seraaj-eventsourced-sub001/messaging"
	"github.com/THEMKM/seraaj-eventsourced-sub001/metrics"
	"github.com/THEMKM/seraaj-eventsourced-sub001/projections"
)

const (
	expiryBatchSize    = 500
	validationInterval = 15 * time.Minute
)

var metricsAddress string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Drain the projection queue, consume commands from Azure Service Bus and run scheduled jobs`,
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&metricsAddress, "metrics-address", ":9091", "address for the /metrics endpoint, empty to disable")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Starting worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	projector := projections.NewProjector(a.db, projections.WithSinks(a.sinks(ctx)...))
	processor := projections.NewEventProcessor(a.db, projector, cfg.Projections)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		processor.Start(ctx)
		<-ctx.Done()
		processor.Stop()
		return nil
	})

	if cfg.Azure.QueueConnStr != "" {
		azureClient, err := messaging.NewAzureClient(cfg.Azure)
		if err != nil {
			return err
		}
		commands := messaging.NewProcessor(a.applications, a.suggestions)

		g.Go(func() error {
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = azureClient.Close(closeCtx)
			}()
			return azureClient.StartConsumers(ctx, cfg.Azure.CommandsQueueName, commands)
		})
	} else {
		log.Info().Msg("Azure Service Bus not configured, command consumer disabled")
	}

	g.Go(func() error {
		return runScheduler(ctx, a)
	})

	if metricsAddress != "" {
		g.Go(func() error {
			return serveMetrics(ctx, metricsAddress)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker exited properly")
	return nil
}

// runScheduler expires stale match suggestions and checks projection lag
func runScheduler(ctx context.Context, a *app) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Matching.ExpiryInterval),
		gocron.NewTask(func() {
			if _, err := a.suggestions.ExpireStale(ctx, a.reads, cfg.Matching.SuggestionTTL, expiryBatchSize); err != nil {
				log.Error().Err(err).Msg("Failed to expire stale match suggestions")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(validationInterval),
		gocron.NewTask(func() {
			report, err := a.stats.ValidateProjections(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to validate projections")
				return
			}
			for _, tr := range report.Types {
				if tr.LaggingCount > 0 {
					log.Warn().
						Str("aggregate_type", tr.AggregateType).
						Int64("lagging", tr.LaggingCount).
						Msg("Projections are behind the event log")
				}
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}

func serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", addr).Msg("Serving worker metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
