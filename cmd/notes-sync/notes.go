package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mrshanahan/notes-sync/pkg/notes"
)

var (
	sharePermission string
	exportOutput    string
)

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid note id: %q", arg)
	}
	return id, nil
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a note",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := e.app.Delete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted note %d\n", id)
		return nil
	}),
}

var shareCmd = &cobra.Command{
	Use:   "share <id> <username>",
	Short: "Share a note with another user",
	Args:  cobra.ExactArgs(2),
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := e.app.Share(cmd.Context(), id, args[1], sharePermission); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Shared note %d with %s (%s)\n", id, args[1], sharePermission)
		return nil
	}),
}

// loadNote refreshes the note set and returns the note with the given id.
func loadNote(cmd *cobra.Command, e *env, arg string) (notes.Note, error) {
	id, err := parseID(arg)
	if err != nil {
		return notes.Note{}, err
	}
	if _, err := e.app.Refresh(cmd.Context(), ""); err != nil {
		return notes.Note{}, err
	}
	return e.app.Note(id)
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize <id>",
	Short: "Summarize a note with the API's AI tools",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		n, err := loadNote(cmd, e, args[0])
		if err != nil {
			return err
		}
		summary, err := e.app.Summarize(cmd.Context(), n.Content)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), summary)
		return nil
	}),
}

var suggestTagsCmd = &cobra.Command{
	Use:   "suggest-tags <id>",
	Short: "Suggest tags for a note with the API's AI tools",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		n, err := loadNote(cmd, e, args[0])
		if err != nil {
			return err
		}
		tags, err := e.app.SuggestTags(cmd.Context(), n.Content)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(tags, ", "))
		return nil
	}),
}

var exportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a note as Markdown",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		n, err := loadNote(cmd, e, args[0])
		if err != nil {
			return err
		}
		if exportOutput == "" || exportOutput == "-" {
			return e.app.Export(cmd.OutOrStdout(), n.ID)
		}
		f, err := os.Create(exportOutput)
		if err != nil {
			return err
		}
		if err := e.app.Export(f, n.ID); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}),
}

func init() {
	rootCmd.AddCommand(deleteCmd, shareCmd, summarizeCmd, suggestTagsCmd, exportCmd)
	shareCmd.Flags().StringVarP(&sharePermission, "permission", "p", notes.PermissionRead, "read or write")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to this file instead of stdout")
}
