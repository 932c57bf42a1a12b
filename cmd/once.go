package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/flightdesk/flightsync/internal/utils"
	"github.com/flightdesk/flightsync/pkg/cycle"
	"github.com/flightdesk/flightsync/pkg/document"
	"github.com/flightdesk/flightsync/pkg/flight"
	"github.com/flightdesk/flightsync/pkg/portal"
	"github.com/flightdesk/flightsync/pkg/status"
	"github.com/flightdesk/flightsync/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type dryRunRecord struct {
	Category flight.Category `json:"category"`
	Key      flight.Key      `json:"key"`
	Document *document.Map   `json:"document"`
}

// recordPrinter writes dry-run records as JSON lines. After the first
// failed write it stops writing and keeps that error.
type recordPrinter struct {
	enc *json.Encoder
	err error
}

func newRecordPrinter(w io.Writer) *recordPrinter {
	return &recordPrinter{enc: json.NewEncoder(w)}
}

func (p *recordPrinter) print(cat flight.Category, key flight.Key, doc *document.Map) {
	if p.err != nil {
		return
	}
	if err := p.enc.Encode(dryRunRecord{Category: cat, Key: key, Document: doc}); err != nil {
		p.err = fmt.Errorf("writing dry-run output: %w", err)
		utils.Log.Error(p.err)
	}
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single scrape and sync cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		proxy, _ := cmd.Flags().GetString("proxy")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		useDB, _ := cmd.Flags().GetBool("db")
		only, _ := cmd.Flags().GetStringSlice("source")

		s, err := loadSettings(viper.GetViper(), proxy)
		if err != nil {
			return err
		}
		if p, _ := cmd.Flags().GetString("dbpath"); p != "" {
			s.DBPath = p
		}
		if len(only) > 0 {
			s.Sources = pickSources(s.Sources, only)
			if len(s.Sources) == 0 {
				return fmt.Errorf("no configured source matches %v", only)
			}
		}

		board := status.NewBoard()
		s.Portal.Status = board
		s.Portal.Log = utils.Log
		scraper, err := portal.New(s.Portal)
		if err != nil {
			return err
		}

		ctx := context.Background()
		cfg := cycle.Config{
			Sources:   s.Sources,
			Portal:    scraper,
			Status:    board,
			Log:       utils.Log,
			Batch:     s.Batch,
			BatchSize: s.BatchSize,
			DryRun:    dryRun,
			Budget:    s.Interval,
			Location:  status.LoadLocation(s.Status.Timezone),
		}

		var printer *recordPrinter
		if dryRun {
			printer = newRecordPrinter(os.Stdout)
			cfg.OnRecord = printer.print
		} else {
			lock, err := utils.NewRunLock(s.DBPath)
			if err != nil {
				return err
			}
			if err := lock.Lock(); err != nil {
				return err
			}
			defer lock.Unlock()

			client, engine, err := newRemote(s)
			if err != nil {
				return err
			}
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("could not sign in: %w", err)
			}
			cfg.Engine = engine
			cfg.Publisher = status.NewPublisher(engine, s.Status)
		}

		if useDB {
			db, err := openHistory(s.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			cfg.DB = db
		}

		res, err := cycle.Run(ctx, cfg)
		if err != nil {
			return err
		}
		if printer != nil && printer.err != nil {
			return printer.err
		}
		logCycle(res)
		printChanges(res.Changes)
		if res.Status() == "failed" {
			return fmt.Errorf("cycle failed: %d sources failed, %d pushes failed", res.SourcesFailed, res.PushFailures)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(onceCmd)
	onceCmd.Flags().Bool("dry-run", false, "Print filtered documents as JSON instead of pushing them")
	onceCmd.Flags().Bool("db", false, "Record the cycle in the history database and print changes")
	onceCmd.Flags().String("dbpath", "", "Path to SQLite DB file (default: db.path, then ~/.config/flightsync/flightsync.sqlite)")
	onceCmd.Flags().StringSlice("source", nil, "Only scrape these sources (by name)")
}

func pickSources(all []portal.Source, names []string) []portal.Source {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []portal.Source
	for _, s := range all {
		if want[s.String()] {
			out = append(out, s)
		}
	}
	return out
}

func printChanges(changes []storage.Change) {
	for _, c := range changes {
		var emoji string
		switch c.ChangeType {
		case "added":
			emoji = "🆕"
		case "updated":
			emoji = "🔄"
		}
		fmt.Printf("%s  %-9s  %s\n", emoji, c.Category, c.FlightKey)
	}
}
