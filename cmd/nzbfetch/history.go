package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/datallboy/nzbfetch/internal/infra/logger"
	"github.com/datallboy/nzbfetch/internal/store"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [job-id]",
		Short: "List recorded jobs, or show the files of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := store.NewPersistentStore(cfg.Store.SQLitePath)
			if err != nil {
				return err
			}
			defer db.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer w.Flush()

			if len(args) == 1 {
				sum, err := db.GetJob(args[0])
				if err != nil {
					return err
				}
				if sum == nil {
					return fmt.Errorf("no job %s", args[0])
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sum.JobID, sum.Name, sum.Status, sum.Dir)
				for _, f := range sum.Files {
					fmt.Fprintf(w, "  %s\t%s\t%s\tmissing %v\n", f.Name, f.Status, logger.Bytes(f.Bytes), f.Missing)
				}
				return nil
			}

			jobs, err := db.ListJobs(limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSTARTED\tREPAIR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.JobID, j.Name, j.Status, j.StartedAt.Format("2006-01-02 15:04"), j.Repair)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of jobs to list, 0 for all")
	return cmd
}
