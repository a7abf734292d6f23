package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gwlsn/stepdown/internal/jobs"
	"github.com/gwlsn/stepdown/internal/store"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue PATH...",
	Short: "Append paths to the backlog file",
	Long: "Append paths to the backlog file watched by the daemon. Relative paths " +
		"are made absolute. The path policy is applied when the daemon ingests them.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		paths := make([]string, 0, len(args))
		for _, arg := range args {
			abs, err := filepath.Abs(arg)
			if err != nil {
				return err
			}
			paths = append(paths, abs)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.QueueFile), 0755); err != nil {
			return err
		}
		if err := jobs.NewBacklog(cfg.QueueFile).Append(paths...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Appended %d path(s) to %s\n", len(paths), cfg.QueueFile)
		return nil
	},
}

var (
	listStatus string
	listLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs in the queue store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status jobs.Status
		if listStatus != "" {
			st, ok := jobs.ParseStatus(listStatus)
			if !ok {
				return fmt.Errorf("unknown status %q", listStatus)
			}
			status = st
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		list, err := st.ListJobs(cmd.Context(), status, listLimit)
		if err != nil {
			return err
		}
		counts, err := st.CountByStatus(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tUPDATED\tPATH\tREASON")
		for _, j := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", j.ID, j.Status, j.UpdatedAt.Local().Format("2006-01-02 15:04"), j.Path, j.Reason)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout())
		for _, s := range jobs.Statuses {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d  ", s, counts[s])
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue ID...",
	Short: "Put finished jobs back to PENDING",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job ID %q", arg)
			}
			ids = append(ids, id)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		for _, id := range ids {
			job, err := jobs.Requeue(cmd.Context(), st, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d %s\n", job.ID, job.Path)
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().StringVarP(&listStatus, "status", "s", "", "only list jobs in this status")
	jobsCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "maximum number of jobs, 0 for all")
}
