package notify

import (
	"strings"
	"time"

	"pgonotify/internal/encounter"
)

// Characters with meaning in Telegram's legacy Markdown parse mode.
const markdownSpecials = "_*`["

var markdownEscaper = strings.NewReplacer(
	`_`, `\_`,
	`*`, `\*`,
	"`", "\\`",
	`[`, `\[`,
)

// EscapeMarkdown escapes s for use outside any entity in legacy Markdown.
// The backslash itself has no escape in that mode and is left alone.
func EscapeMarkdown(s string) string { return markdownEscaper.Replace(s) }

// BoldMarkdown renders s in bold. Legacy Markdown does not honour escapes
// inside an entity, so each special character is written escaped between a
// closed and a reopened bold run. No empty "**" run is ever emitted.
func BoldMarkdown(s string) string {
	var b strings.Builder
	open := false
	for _, r := range s {
		if strings.ContainsRune(markdownSpecials, r) {
			if open {
				b.WriteByte('*')
				open = false
			}
			b.WriteByte('\\')
			b.WriteRune(r)
			continue
		}
		if !open {
			b.WriteByte('*')
			open = true
		}
		b.WriteRune(r)
	}
	if open {
		b.WriteByte('*')
	}
	return b.String()
}

// FormatText renders the alert text for an encounter:
//
//	*<label> found*
//	disappears at: HH:MM:SS
//	<note>
//
// The note line is omitted when empty. loc == nil means local time.
func FormatText(e encounter.Encounter, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	b.WriteString(BoldMarkdown(e.SpeciesLabel + " found"))
	b.WriteString("\ndisappears at: ")
	b.WriteString(e.ExpiresAt.In(loc).Format("15:04:05"))
	if note := strings.TrimSpace(e.ExtraNote); note != "" {
		b.WriteString("\n")
		b.WriteString(EscapeMarkdown(note))
	}
	return b.String()
}
