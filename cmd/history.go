package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/flightdesk/flightsync/internal/utils"
	"github.com/flightdesk/flightsync/pkg/flight"
	"github.com/flightdesk/flightsync/pkg/status"
	"github.com/flightdesk/flightsync/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync runs (default 20)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		db, err := openExistingHistory(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRecentRuns(context.Background(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "STARTED\tDURATION\tSOURCES\tROWS\tFLIGHTS\tPUSHED\tFAILED\tSTATUS\t")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%d\t%d\t%d\t%s\t\n",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
				r.SourcesOK, r.SourcesOK+r.SourcesFailed,
				r.Rows, r.Records, r.Pushed, r.PushFailures, r.Status)
		}
		return w.Flush()
	},
}

var historyChangesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Show recently added or updated flights (default 50)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		db, err := openExistingHistory(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		changes, err := db.ListRecentChanges(context.Background(), limit)
		if err != nil {
			return err
		}
		for _, c := range changes {
			ts := c.OccurredAt.Local().Format("2006-01-02 15:04:05")
			fmt.Printf("%s  %-7s  %-9s  %s\n", ts, c.ChangeType, c.Category, c.FlightKey)
		}
		return nil
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints how many flights the history holds per category.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openExistingHistory(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(context.Background())
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("No data in the database to generate stats.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "CATEGORY\tFLIGHTS\t")
		total := 0
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t\n", s.Category, s.Flights)
			total += s.Flights
		}
		fmt.Fprintln(w, " \t \t")
		fmt.Fprintf(w, "TOTAL\t%d\t\n", total)
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <category> <flight-key>",
	Short: "Print the last stored document of one flight",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openExistingHistory(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		snap, ok, err := db.GetSnapshot(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no %s flight %s in history", args[0], args[1])
		}
		printSnapshot(os.Stdout, snap, status.LoadLocation(viper.GetString("status.timezone")))
		return nil
	},
}

func printSnapshot(w io.Writer, snap storage.Snapshot, loc *time.Location) {
	key := flight.Key(snap.FlightKey)
	scheduled := "unknown"
	if !snap.ScheduledAt.IsZero() {
		scheduled = snap.ScheduledAt.In(loc).Format("2006-01-02 15:04 MST")
	}
	fmt.Fprintf(w, "Category:  %s\n", snap.Category)
	fmt.Fprintf(w, "Flight:    %s\n", key.FlightNumber())
	fmt.Fprintf(w, "Key:       %s\n", key)
	fmt.Fprintf(w, "Scheduled: %s\n", scheduled)
	fmt.Fprintf(w, "Pushed:    %v\n", snap.Pushed)
	fmt.Fprintf(w, "Document:  %s\n", snap.Document)
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete departed flights not seen for a while",
	RunE: func(cmd *cobra.Command, _ []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			olderThan = time.Duration(viper.GetInt64("db.retention_hours")) * time.Hour
		}
		if olderThan <= 0 {
			return fmt.Errorf("nothing to prune: retention is disabled")
		}
		db, err := openExistingHistory(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.PruneSnapshots(context.Background(), time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d flights not seen in %s\n", n, olderThan)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyChangesCmd)
	historyCmd.AddCommand(historyStatsCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPruneCmd)

	historyCmd.PersistentFlags().String("dbpath", "", "Path to SQLite DB file (default: db.path, then ~/.config/flightsync/flightsync.sqlite)")
	historyCmd.Flags().Int("limit", 20, "Number of recent runs to show")
	historyChangesCmd.Flags().Int("limit", 50, "Number of recent changes to show")
	historyPruneCmd.Flags().Duration("older-than", 0, "Prune flights last seen before this long ago (default: db.retention_hours)")
}

func openExistingHistory(cmd *cobra.Command) (*storage.DB, error) {
	dbPath, _ := cmd.Flags().GetString("dbpath")
	if dbPath == "" {
		dbPath = viper.GetString("db.path")
	}
	abs, err := utils.GetAbsDBPath(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("database not found: %s", abs)
	}
	return storage.Open(abs)
}
