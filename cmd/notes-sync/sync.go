package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var queueJSON bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show notes waiting to be synced",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		pending, err := e.app.Pending(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if queueJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(pending)
		}
		if len(pending) == 0 {
			fmt.Fprintln(out, "Nothing queued.")
			return nil
		}
		for _, entry := range pending {
			fmt.Fprintf(out, "%d %s %s\n",
				entry.LocalID,
				titleStyle.Render(entry.Input.Title),
				dimStyle.Render("queued "+entry.QueuedAt.Local().Format("2006-01-02 15:04")))
		}
		return nil
	}),
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued notes to the API now",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		result := e.app.Sync(cmd.Context())
		out := cmd.OutOrStdout()
		switch {
		case result.Offline:
			fmt.Fprintln(out, "Notes API unreachable; nothing synced.")
		case result.Attempted == 0:
			fmt.Fprintln(out, "Nothing queued.")
		default:
			fmt.Fprintf(out, "Synced %d of %d queued note(s).\n", result.Synced, result.Attempted)
		}
		if result.AuthRequired {
			return fmt.Errorf("not logged in; run `notes-sync login`")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(queueCmd, syncCmd)
	queueCmd.Flags().BoolVar(&queueJSON, "json", false, "Output in JSON format")
}
