package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replydesk/internal/silence"
)

func silenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "silence",
		Short: "Inspect and edit silenced conversations",
		Long: `Inspect and edit the stored set of silenced conversations.

Conversation ids are channel-qualified, e.g. telegram:123456789.
A running gateway keeps its own copy of the set and overwrites the store on
its next change; use /silent and /speak in the chat while it runs.`,
	}
	cmd.AddCommand(silenceListCmd())
	cmd.AddCommand(silenceSetCmd("on", true))
	cmd.AddCommand(silenceSetCmd("off", false))
	return cmd
}

func openGate(ctx context.Context) (*silence.Gate, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := silence.OpenStore(ctx, cfg.Silence)
	if err != nil {
		return nil, err
	}
	gate, err := silence.NewGate(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return gate, nil
}

func silenceListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List silenced conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := openGate(cmd.Context())
			if err != nil {
				return err
			}
			defer gate.Close()

			ids := gate.List()
			if jsonOutput {
				data, _ := json.MarshalIndent(ids, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			if len(ids) == 0 {
				fmt.Println("No silenced conversations.")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func silenceSetCmd(use string, silent bool) *cobra.Command {
	short := "Silence a conversation"
	if !silent {
		short = "Reactivate a silenced conversation"
	}
	return &cobra.Command{
		Use:   use + " [conversation]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := openGate(cmd.Context())
			if err != nil {
				return err
			}
			defer gate.Close()

			changed, err := gate.Set(cmd.Context(), args[0], silent)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s", args[0], gate.State(args[0]))
			if !changed {
				fmt.Print(" (unchanged)")
			}
			fmt.Println()
			return nil
		},
	}
}
