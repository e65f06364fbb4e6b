package transcript

import (
	"fmt"
	"strings"
	"time"
)

// Format renders turns and notes as the plain-text transcript handed to the
// scoring model. An empty turn list renders as "".
func Format(turns []Turn, notes []Note) string {
	if len(turns) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("=== Conversation Transcript ===")
	for _, t := range turns {
		switch t.Role {
		case RoleAI:
			fmt.Fprintf(&b, "\nAI「%s」", t.Text)
		case RoleStudent:
			fmt.Fprintf(&b, "\nstudent「%s」", t.Text)
		}
	}

	if len(notes) == 0 {
		b.WriteString("\n\n(No specific notes recorded during the session)")
		return b.String()
	}
	b.WriteString("\n\n=== Teacher's Notes (Observations during session) ===")
	for _, n := range notes {
		fmt.Fprintf(&b, "\n- [%s] %s", n.Category, n.Text)
	}
	return b.String()
}

// FormatMemos renders notes one per line for the session archive.
func FormatMemos(notes []Note) string {
	var b strings.Builder
	b.WriteString("=== Teacher's Notes ===\n\n")
	for _, n := range notes {
		ts := ""
		if !n.At.IsZero() {
			ts = n.At.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "[%s] [%s] %s\n", ts, n.Category, n.Text)
	}
	return b.String()
}
