package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sevigo/invoice-relay/internal/core"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per status and dead letters per source",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx := context.Background()

		a, cleanup, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := a.Store.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to compute stats: %w", err)
		}

		if outputJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(stats)
		}
		return printStats(stats)
	},
}

func printStats(s *core.Stats) error {
	titleColor.Println("Job ledger")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "STATUS\tJOBS")
	fmt.Fprintf(w, "%s\t%d\n", core.StatusPending, s.Pending)
	fmt.Fprintf(w, "%s\t%d\n", core.StatusProcessing, s.Processing)
	fmt.Fprintf(w, "%s\t%d\n", core.StatusCompleted, s.Completed)
	fmt.Fprintf(w, "%s\t%d\n", core.StatusIgnored, s.Ignored)
	fmt.Fprintf(w, "%s\t%d\n", core.StatusFailed, s.Failed)
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println()
	if s.Pending > 0 {
		age := s.OldestPendingAge.Round(time.Second)
		if age > 15*time.Minute {
			warnColor.Printf("oldest pending job waited %s\n", age)
		} else {
			dimColor.Printf("oldest pending job waited %s\n", age)
		}
	}

	if len(s.FailedBySource) == 0 {
		successColor.Println("no dead-lettered jobs")
		return nil
	}

	sources := make([]string, 0, len(s.FailedBySource))
	for src := range s.FailedBySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	errorColor.Println("dead-lettered jobs by source")
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	for _, src := range sources {
		fmt.Fprintf(w, "  %s\t%d\n", src, s.FailedBySource[src])
	}
	return w.Flush()
}

func init() { //nolint:gochecknoinits // Cobra command registration
	rootCmd.AddCommand(statsCmd)
}
