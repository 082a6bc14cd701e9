package cli

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ─── Job Progress ───────────────────────────────────────────────────────────
// A terminal progress line for a running job.
// Shows: [===========>..................] step 2/3 | resize | 4s

const barWidth = 30 // Characters for the progress bar

type progressBar struct {
	out     io.Writer
	started time.Time
}

func newProgressBar(out io.Writer) *progressBar {
	return &progressBar{out: out, started: time.Now()}
}

// update renders the job at step index current (0-based) of total.
func (p *progressBar) update(current, total int, stepID string, now time.Time) {
	clearLine(p.out)
	fmt.Fprintf(p.out, "  %s step %d/%d | %s | %s",
		renderBar(current, total), current+1, total, stepID, formatElapsed(now.Sub(p.started)))
}

// done finishes the line.
func (p *progressBar) done(msg string) {
	clearLine(p.out)
	fmt.Fprintf(p.out, "[done] %s\n", msg)
}

func renderBar(current, total int) string {
	if total <= 0 {
		return strings.Repeat(".", barWidth)
	}
	filled := current * barWidth / total
	if filled > barWidth {
		filled = barWidth
	}
	empty := barWidth - filled

	switch {
	case filled == barWidth:
		return strings.Repeat("=", filled)
	case filled > 0:
		return strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", empty)
	default:
		return strings.Repeat(".", barWidth)
	}
}

func formatElapsed(d time.Duration) string {
	s := int(d.Seconds())
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	if s < 3600 {
		return fmt.Sprintf("%dm%ds", s/60, s%60)
	}
	return fmt.Sprintf("%dh%dm", s/3600, (s%3600)/60)
}

func clearLine(w io.Writer) {
	fmt.Fprintf(w, "\r\033[K")
}
