package prompts

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Digest Prompts
// ============================================================================

// DigestSystemPrompt defines the role and output rules for the routine digest.
const DigestSystemPrompt = `You write a short daily digest of routine messages for a busy person.
None of these messages was urgent enough to interrupt them; the digest is read once, in one sitting.

Rules:
- Group related messages by topic or thread, most actionable group first.
- One line per group: who, what, and any date or request mentioned.
- Never invent facts, names or deadlines that are not in the messages.
- Plain text, no markdown headings, at most 12 lines.
- If nothing needs attention, say so in one sentence.`

// DigestItem is one routine message rendered into the user prompt.
type DigestItem struct {
	OccurredAt time.Time
	Source     string
	Sender     string
	Subject    string
	Preview    string
}

// DigestUserPrompt renders the messages of a digest window.
func DigestUserPrompt(since, until time.Time, items []DigestItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Messages received between %s and %s (UTC), oldest first:\n\n",
		since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339))
	for i, item := range items {
		fmt.Fprintf(&b, "%d. [%s] %s from %s", i+1, item.Source, item.OccurredAt.UTC().Format("Jan 2 15:04"), senderOrUnknown(item.Sender))
		if item.Subject != "" {
			fmt.Fprintf(&b, " - %s", item.Subject)
		}
		if item.Preview != "" {
			fmt.Fprintf(&b, "\n   %s", item.Preview)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nWrite the digest now:")
	return b.String()
}

func senderOrUnknown(sender string) string {
	if sender == "" {
		return "unknown sender"
	}
	return sender
}
