package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replydesk/internal/gateway"
	"github.com/nextlevelbuilder/replydesk/internal/kb"
)

func kbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Build and inspect the knowledge base index",
	}
	cmd.AddCommand(kbRebuildCmd())
	cmd.AddCommand(kbStatusCmd())
	cmd.AddCommand(kbVersionsCmd())
	cmd.AddCommand(kbSearchCmd())
	cmd.AddCommand(kbPruneCmd())
	return cmd
}

func kbRebuildCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Build a new index version from the document source and publish it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rb, err := newRebuilder(cmd.Context(), cfg, newEmbedder(cfg))
			if err != nil {
				return err
			}
			defer rb.Close()

			res, err := rb.Rebuild(cmd.Context())
			if jsonOutput {
				data, _ := json.MarshalIndent(res, "", "  ")
				fmt.Println(string(data))
			} else {
				fmt.Println(gateway.FormatRebuildResult(res, err, time.Now()))
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func kbStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active version and last update time",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			layout := kb.Layout{Root: cfg.KB.Root}
			fmt.Printf("Root:        %s\n", layout.Root)

			active, err := layout.Active()
			switch {
			case errors.Is(err, kb.ErrNoActiveVersion):
				fmt.Println("Active:      (none)")
			case err != nil:
				fmt.Printf("Active:      %s (%s)\n", active.ID, err)
			default:
				fmt.Printf("Active:      %s (%d chunks)\n", active.ID, active.Count)
			}

			if t, err := layout.LastUpdate(); err == nil {
				fmt.Printf("Last update: %s\n", t.Local().Format(time.DateTime))
			} else {
				fmt.Println("Last update: never")
			}

			versions, err := layout.Versions()
			if err != nil {
				return err
			}
			fmt.Printf("Versions:    %d\n", len(versions))
			return nil
		},
	}
}

func kbVersionsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List index versions on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			versions, err := kb.Layout{Root: cfg.KB.Root}.Versions()
			if err != nil {
				return err
			}
			if jsonOutput {
				data, _ := json.MarshalIndent(versions, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			printVersions(versions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printVersions(versions []kb.Version) {
	if len(versions) == 0 {
		fmt.Println("No index versions.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tCHUNKS\tCOMPLETED")
	for _, v := range versions {
		state := "complete"
		switch {
		case v.Active:
			state = "active"
		case !v.Complete:
			state = "incomplete"
		}
		completed := "-"
		if !v.CompletedAt.IsZero() {
			completed = v.CompletedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", v.ID, state, v.Count, completed)
	}
	tw.Flush()
}

func kbSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search [query]",
		Short: "Run a retrieval query against the active version",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r, err := kb.NewRetriever(kb.Layout{Root: cfg.KB.Root}, newEmbedder(cfg), cfg.KB.TopK, 1)
			if err != nil {
				return err
			}
			defer r.Close()

			results, version, err := r.Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("Version %s, %d results\n\n", version, len(results))
			fmt.Println(kb.FormatContext(results))
			return nil
		},
	}
}

func kbPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove superseded and abandoned index versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rb := kb.NewRebuilder(kb.Layout{Root: cfg.KB.Root}, nil, nil, kb.OptionsFromConfig(cfg.KB))
			defer rb.Close()

			removed, err := rb.Prune(cmd.Context())
			for _, id := range removed {
				fmt.Printf("removed %s\n", id)
			}
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Println("Nothing to prune.")
			}
			return nil
		},
	}
}
