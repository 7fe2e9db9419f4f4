package cmd

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/canopymail/core/pkg/accounts"
	"github.com/canopymail/core/pkg/blobstore"
	"github.com/canopymail/core/pkg/jobtypes"
	"github.com/canopymail/core/pkg/queue"
	"github.com/canopymail/core/pkg/store"
	"github.com/canopymail/core/pkg/streamsupervisor"
	"github.com/canopymail/core/pkg/sweeper"
	"github.com/canopymail/core/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage the worker runtime",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker loop, sweeper, and stream supervisor until interrupted",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenAndMigrate(ctx, store.Config{
		Path:      appConfig.Database.Path,
		URL:       appConfig.Database.URL,
		AuthToken: appConfig.Database.AuthToken,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	q := queue.New(db, log)
	accountStore := accounts.New(db)
	dispatcher := jobtypes.NewStubDispatcher()

	workerCfg := worker.Config{
		PollInterval:      appConfig.Worker.PollInterval,
		HeartbeatInterval: appConfig.Worker.HeartbeatInterval,
		DrainTimeout:      appConfig.Worker.DrainTimeout,
	}
	if appConfig.Blobstore.Enabled {
		bs, err := blobstore.New(ctx, blobstore.Config{
			Bucket:          appConfig.Blobstore.Bucket,
			Region:          appConfig.Blobstore.Region,
			Endpoint:        appConfig.Blobstore.Endpoint,
			ForcePathStyle:  appConfig.Blobstore.ForcePathStyle,
			AccessKeyID:     appConfig.Blobstore.AccessKeyID,
			SecretAccessKey: appConfig.Blobstore.SecretAccessKey,
			Threshold:       appConfig.Blobstore.ThresholdBytes,
		})
		if err != nil {
			return err
		}
		workerCfg.Blobstore = bs
	}
	sweeperCfg := sweeper.Config{
		HeartbeatInterval: appConfig.Worker.HeartbeatInterval,
		StaleFactor:       appConfig.Sweeper.StaleFactor,
		Interval:          appConfig.Sweeper.Interval,
	}
	sw := sweeper.New(db, sweeperCfg, log)
	supervisor := streamsupervisor.New(accountStore, q, unconfiguredSubscriber{}, log, appConfig.Supervisor.ReconcileInterval)

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("component exited with error", zap.String("component", name), zap.Error(err))
				errs <- err
			}
		}()
	}

	run("worker", func(ctx context.Context) error { return worker.Run(ctx, q, dispatcher, workerCfg, log) })
	run("sweeper", sw.Run)
	run("stream-supervisor", supervisor.Run)

	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}
	return nil
}

// unconfiguredSubscriber backs the stream supervisor when no push-notification
// provider client has been wired in; listeners back off indefinitely instead
// of crashing the process.
type unconfiguredSubscriber struct{}

func (unconfiguredSubscriber) Open(ctx context.Context, subscription string, credentials map[string]string) (streamsupervisor.MessageStream, error) {
	return nil, errors.New("no subscription provider configured")
}
