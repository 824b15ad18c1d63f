package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replydesk/internal/assistant"
	"github.com/nextlevelbuilder/replydesk/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and run the gateway's periodic jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronRunCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the last recorded state of every job",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			states, err := cron.LoadState(cronStatePath(cfg))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			printCronJobs(states, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printCronJobs(states map[string]cron.JobState, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(states, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(states) == 0 {
		fmt.Println("No job has run yet.")
		return
	}

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tRUNS\tLAST RUN\tSTATUS\tNEXT RUN")
	for _, name := range names {
		st := states[name]
		status := st.LastStatus
		if st.LastError != "" {
			status += ": " + st.LastError
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", name, st.Runs, formatJobTime(st.LastRun), status, formatJobTime(st.NextRun))
	}
	tw.Flush()
}

func formatJobTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [job]",
		Short: "Run a job once now (" + jobKBRebuild + " or " + jobContextCleanup + ")",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			// Force the rebuild job to be registered even without a schedule.
			if args[0] == jobKBRebuild && cfg.KB.Schedule == "" {
				cfg.KB.Schedule = "@daily"
			}

			rebuilder, err := newRebuilder(cmd.Context(), cfg, newEmbedder(cfg))
			if err != nil && args[0] == jobKBRebuild {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			if rebuilder != nil {
				defer rebuilder.Close()
			}

			jobs, err := buildCron(cfg, rebuilder, assistant.NewContextLog(contextLogDir(cfg), cfg.Assistant.ContextLogTTL()))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			summary, err := jobs.RunJob(cmd.Context(), args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s: %s\n", args[0], summary)
		},
	}
}
