package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"shiftbell/internal/boundary"
	"shiftbell/internal/schedule"
	"shiftbell/internal/season"
	"shiftbell/internal/transport"
)

// maxMessageRunes stays under Telegram's 4096 limit with room for tags.
const maxMessageRunes = 4000

// H is HTML that is safe to send with ParseMode HTML.
type H string

func Esc(s string) H { return H(html.EscapeString(s)) }

func B(s string) H    { return H("<b>" + html.EscapeString(s) + "</b>") }
func Code(s string) H { return H("<code>" + html.EscapeString(s) + "</code>") }

// messageHTML renders the title bold on its own line above the body.
func messageHTML(m transport.Message) H {
	t, b := strings.TrimSpace(m.Title), strings.TrimSpace(m.Body)
	switch {
	case t == "":
		return Esc(b)
	case b == "":
		return B(t)
	default:
		return B(t) + "\n" + Esc(b)
	}
}

func formatToday(r schedule.Resolved) H {
	var sb strings.Builder
	day := r.Date
	if !r.Day.IsZero() {
		day = r.Day.Format("Monday, 2 Jan 2006")
	}
	sb.WriteString(string(B(day)))
	sb.WriteString("\n")
	sb.WriteString(string(Esc(fmt.Sprintf("Season: %s", seasonName(r.Season)))))
	sb.WriteString("\n\n")

	if len(r.Blocks) == 0 {
		sb.WriteString("No blocks today.")
	}
	for _, b := range r.Blocks {
		start, end, err := b.Minutes()
		if err != nil {
			sb.WriteString(string(Esc(fmt.Sprintf("• %s (invalid times)", b.Entity))))
			sb.WriteString("\n")
			continue
		}
		sb.WriteString("• ")
		sb.WriteString(string(Code(boundary.Clock12(start) + " - " + boundary.Clock12(end))))
		sb.WriteString(" ")
		sb.WriteString(string(Esc(b.Entity)))
		sb.WriteString("\n")
	}

	n := r.NextSeasonChange
	if n.Date != "" {
		sb.WriteString("\n")
		sb.WriteString(string(Esc(fmt.Sprintf("%s starts %s (%s).", n.NextSeasonName, n.Date, daysText(n.DaysRemaining)))))
	}
	return H(strings.TrimRight(sb.String(), "\n"))
}

func formatNext(c season.Change) H {
	return B("Next season change") + "\n" +
		Esc(fmt.Sprintf("%s starts on %s, %s.", c.Label, c.Date.Format(time.DateOnly), daysText(c.DaysRemaining)))
}

func seasonName(s schedule.SeasonInfo) string {
	if strings.TrimSpace(s.Name) != "" {
		return s.Name
	}
	return string(s.Key)
}

func daysText(n int) string {
	switch n {
	case 0:
		return "today"
	case 1:
		return "in 1 day"
	default:
		return fmt.Sprintf("in %d days", n)
	}
}

// split cuts text into chunks of at most max runes, preferring line breaks.
// A chunk never ends inside an HTML tag or entity.
func split(text string, max int) []string {
	if max <= 0 {
		max = maxMessageRunes
	}
	var out []string
	for utf8.RuneCountInString(text) > max {
		cut := byteIndexOfRune(text, max)
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		} else {
			cut = safeCut(text, cut)
		}
		out = append(out, strings.TrimRight(text[:cut], "\n"))
		text = text[cut:]
	}
	if text != "" || len(out) == 0 {
		out = append(out, text)
	}
	return out
}

func byteIndexOfRune(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}

// safeCut moves cut back before an unterminated '<' or '&'.
func safeCut(s string, cut int) int {
	head := s[:cut]
	if lt := strings.LastIndexByte(head, '<'); lt > 0 && !strings.Contains(head[lt:], ">") {
		return lt
	}
	if amp := strings.LastIndexByte(head, '&'); amp > 0 && !strings.Contains(head[amp:], ";") {
		return amp
	}
	return cut
}
