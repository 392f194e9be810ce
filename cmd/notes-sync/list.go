package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mrshanahan/notes-sync/pkg/notes"
)

var (
	listJSON   bool
	filterTag  string
	listSearch string
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	pinnedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes from the API",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		if _, err := e.app.Refresh(cmd.Context(), filterTag); err != nil {
			return err
		}
		list := e.app.Search(listSearch)

		out := cmd.OutOrStdout()
		if listJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(list)
		}
		for _, n := range list {
			fmt.Fprintln(out, formatNote(n))
		}
		return nil
	}),
}

func formatNote(n notes.Note) string {
	var b strings.Builder
	if n.IsPinned {
		b.WriteString(pinnedStyle.Render("*") + " ")
	}
	fmt.Fprintf(&b, "%d %s", n.ID, titleStyle.Render(n.Title))
	if len(n.Tags) > 0 {
		b.WriteString(" " + dimStyle.Render("["+strings.Join(n.Tags, ", ")+"]"))
	}
	if n.ReminderDate != nil && !n.ReminderDate.IsZero() {
		b.WriteString(" " + dimStyle.Render("remind "+n.ReminderDate.String()))
	}
	if n.Permission != "" && n.Permission != notes.PermissionOwner {
		b.WriteString(" " + dimStyle.Render("shared by "+n.Owner+" ("+n.Permission+")"))
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	listCmd.Flags().StringVar(&filterTag, "tag", "", "Only notes with this tag")
	listCmd.Flags().StringVarP(&listSearch, "search", "s", "", "Filter by title, content or tag")
}
