package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flightdesk/flightsync/internal/server"
	"github.com/flightdesk/flightsync/internal/utils"
	"github.com/flightdesk/flightsync/pkg/cycle"
	"github.com/flightdesk/flightsync/pkg/portal"
	"github.com/flightdesk/flightsync/pkg/status"
	"github.com/flightdesk/flightsync/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// runCmd implements: flightsync run
//
//	--interval duration  Time between cycles (default: schedule.interval)
//	--run-on-start       Run a cycle immediately instead of waiting one interval
//	--listen string      Serve the status API on this address
//	--dbpath string      History database (default: db.path, then ~/.config/flightsync)
//	--no-db              Do not record history
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scrape the portal and sync flights on a fixed interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unknown command: '%s'. See 'flightsync run --help'", args[0])
		}

		proxy, _ := cmd.Flags().GetString("proxy")
		s, err := loadSettings(viper.GetViper(), proxy)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("interval") {
			s.Interval, _ = cmd.Flags().GetDuration("interval")
		}
		if cmd.Flags().Changed("run-on-start") {
			s.RunOnStart, _ = cmd.Flags().GetBool("run-on-start")
		}
		if cmd.Flags().Changed("listen") {
			s.ServerListen, _ = cmd.Flags().GetString("listen")
		}
		if p, _ := cmd.Flags().GetString("dbpath"); p != "" {
			s.DBPath = p
		}
		noDB, _ := cmd.Flags().GetBool("no-db")
		if s.Interval <= 0 {
			return fmt.Errorf("interval must be positive")
		}

		utils.UseTimestamps()

		lock, err := utils.NewRunLock(s.DBPath)
		if err != nil {
			return err
		}
		if err := lock.TryLock(); err != nil {
			return err
		}
		defer lock.Unlock()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		board := status.NewBoard()
		s.Portal.Status = board
		s.Portal.Log = utils.Log
		scraper, err := portal.New(s.Portal)
		if err != nil {
			return err
		}

		client, engine, err := newRemote(s)
		if err != nil {
			return err
		}
		if err := client.Connect(ctx); err != nil {
			utils.Log.Warnf("Initial sign-in failed, retrying on first push: %v", err)
		}
		publisher := status.NewPublisher(engine, s.Status)

		var db *storage.DB
		if !noDB {
			db, err = openHistory(s.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
		}

		if s.ServerListen != "" {
			srv := server.New(board, engine, db, s.ServerUser, s.ServerPass)
			go func() {
				if err := srv.Start(ctx, s.ServerListen); err != nil {
					utils.Log.Errorf("Status server stopped: %v", err)
				}
			}()
		}

		if err := publisher.Event(ctx, status.EventCycle, "flightsync started"); err != nil {
			utils.Log.Warnf("Could not publish start event: %v", err)
		}

		cfg := cycle.Config{
			Sources:   s.Sources,
			Portal:    scraper,
			Engine:    engine,
			DB:        db,
			Publisher: publisher,
			Status:    board,
			Log:       utils.Log,
			Batch:     s.Batch,
			BatchSize: s.BatchSize,
			Budget:    s.Interval,
			Location:  status.LoadLocation(s.Status.Timezone),
		}

		utils.Log.Infof("Syncing %d sources to %s every %s", len(s.Sources), engine.Root(), s.Interval)
		schedule(ctx, s.Interval, s.RunOnStart, func() {
			// A cycle in progress is allowed to finish after a signal.
			res, err := cycle.Run(context.WithoutCancel(ctx), cfg)
			if err != nil {
				utils.Log.Errorf("Cycle not started: %v", err)
				return
			}
			logCycle(res)
			if db != nil && s.Retention > 0 {
				n, err := db.PruneSnapshots(context.Background(), time.Now().Add(-s.Retention))
				if err != nil {
					utils.Log.Warnf("Could not prune history: %v", err)
				} else if n > 0 {
					utils.Log.Debugf("Pruned %d stale flights from history", n)
				}
			}
		})
		utils.Log.Info("Stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Duration("interval", 0, "Time between cycles (default: schedule.interval from config)")
	runCmd.Flags().Bool("run-on-start", true, "Run a cycle immediately at startup")
	runCmd.Flags().String("listen", "", "Serve the status API on this address (e.g. :8080)")
	runCmd.Flags().String("dbpath", "", "Path to SQLite DB file (default: db.path, then ~/.config/flightsync/flightsync.sqlite)")
	runCmd.Flags().Bool("no-db", false, "Do not record sync history")
}

// schedule calls fn now (if runOnStart) and then every interval until ctx
// is done. fn is never interrupted.
func schedule(ctx context.Context, interval time.Duration, runOnStart bool, fn func()) {
	if runOnStart && ctx.Err() == nil {
		fn()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func openHistory(path string) (*storage.DB, error) {
	abs, err := utils.GetAbsDBPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	return storage.Open(abs)
}

func logCycle(res *cycle.Result) {
	utils.Log.Infof("Cycle %s finished in %s: %d/%d sources, %d rows, %d flights, %d pushed, %d failed (%s)",
		res.RunID, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond),
		res.SourcesOK, res.SourcesOK+res.SourcesFailed, res.Rows, res.TotalRecords(),
		res.Pushed, res.PushFailures, res.Status())
	for _, err := range res.Errors {
		utils.Log.Debugf("  %v", err)
	}
}
