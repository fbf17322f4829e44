package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"defensepipe/internal/store"
)

var runsLimit int

// runsCmd inspects the run ledger
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run ledger",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListRuns(context.Background(), runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTOOL\tSTATUS\tINPUTS\tSTARTED\tDURATION")
		for _, r := range runs {
			fmt.Fprintf(tw, "%.8s\t%s\t%s\t%d\t%s\t%s\n",
				r.ID, r.Tool, r.Status, r.Inputs, r.StartedAt.Local().Format(time.DateTime), runDuration(r))
		}
		return tw.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one run and its per-file outcomes",
	Long:  "Shows a run by id. A unique id prefix is enough.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		r, err := st.GetRun(context.Background(), args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Run:      %s\n", r.ID)
		fmt.Fprintf(w, "Tool:     %s\n", r.Tool)
		fmt.Fprintf(w, "Dir:      %s\n", r.Dir)
		fmt.Fprintf(w, "Status:   %s\n", r.Status)
		fmt.Fprintf(w, "Inputs:   %d\n", r.Inputs)
		fmt.Fprintf(w, "Started:  %s\n", r.StartedAt.Local().Format(time.DateTime))
		fmt.Fprintf(w, "Duration: %s\n", runDuration(*r))
		if r.Error != "" {
			fmt.Fprintf(w, "Error:    %s\n", r.Error)
		}
		if len(r.Files) == 0 {
			return nil
		}
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tINPUT\tSTATUS\tEXIT\tDURATION\tMESSAGE")
		for _, f := range r.Files {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
				f.Seq, f.Input, f.Status, f.ExitCode, f.Duration.Round(time.Millisecond), f.Message)
		}
		return tw.Flush()
	},
}

func init() {
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum runs to list")
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func runDuration(r store.Run) string {
	if r.FinishedAt.IsZero() {
		return "running"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
}
