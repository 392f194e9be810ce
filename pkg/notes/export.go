package notes

import (
	"fmt"
	"io"
	"strings"
)

// WriteMarkdown writes n as a standalone Markdown document.
func WriteMarkdown(w io.Writer, n Note) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", n.Title)
	if !n.DatePosted.IsZero() {
		fmt.Fprintf(&b, "_Posted %s", n.DatePosted)
		if !n.DateUpdated.IsZero() && !n.DateUpdated.Equal(n.DatePosted.Time) {
			fmt.Fprintf(&b, ", updated %s", n.DateUpdated)
		}
		b.WriteString("_\n\n")
	}
	if len(n.Tags) > 0 {
		tags := make([]string, len(n.Tags))
		for i, t := range n.Tags {
			tags[i] = "#" + t
		}
		fmt.Fprintf(&b, "%s\n\n", strings.Join(tags, " "))
	}
	b.WriteString(strings.TrimSpace(n.Content))
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}
