package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrshanahan/notes-sync/internal/utils"
	"github.com/mrshanahan/notes-sync/pkg/client"
	"github.com/mrshanahan/notes-sync/pkg/notes"
)

const maxContentSize = 1 << 20

var (
	addID      int64
	addTitle   string
	addContent string
	addTags    string
	addRemind  string
	addPinned  bool
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a note, or update one with --id",
	Long: `Create a note. If the notes API is unreachable the note is stored locally
and synced later. Use --content - to read the content from stdin.`,
	Args: cobra.NoArgs,
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		content := addContent
		if content == "-" {
			data, err := utils.ReadToEnd(cmd.InOrStdin(), maxContentSize)
			if err != nil {
				return fmt.Errorf("read content: %w", err)
			}
			content = string(data)
		}

		in := notes.Input{
			Title:    addTitle,
			Content:  content,
			Tags:     notes.ParseTags(addTags),
			IsPinned: addPinned,
		}
		if addRemind != "" {
			at, err := notes.ParseTime(addRemind)
			if err != nil {
				return err
			}
			in.ReminderDate = &at
		}

		result, err := e.app.Save(cmd.Context(), addID, in)
		if errors.Is(err, client.ErrAuthRequired) {
			if result.Queued {
				fmt.Fprintf(cmd.ErrOrStderr(), "Not logged in; note queued locally (local id %d).\n", result.LocalID)
			}
			return fmt.Errorf("%w; run `notes-sync login`", err)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch {
		case result.Queued:
			fmt.Fprintf(out, "Offline: note queued locally (local id %d); it will sync when the API is reachable.\n", result.LocalID)
		case addID != 0:
			fmt.Fprintf(out, "Updated note %d\n", result.Note.ID)
		default:
			fmt.Fprintf(out, "Created note %d\n", result.Note.ID)
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().Int64Var(&addID, "id", 0, "Update the note with this id instead of creating one")
	addCmd.Flags().StringVarP(&addTitle, "title", "t", "", "Note title")
	addCmd.Flags().StringVarP(&addContent, "content", "c", "", "Note content, or - for stdin")
	addCmd.Flags().StringVar(&addTags, "tags", "", "Comma-separated tags")
	addCmd.Flags().StringVar(&addRemind, "remind", "", "Reminder time, e.g. \"2024-05-01 09:30\" (UTC)")
	addCmd.Flags().BoolVar(&addPinned, "pin", false, "Pin the note")
	addCmd.MarkFlagRequired("title")
}
