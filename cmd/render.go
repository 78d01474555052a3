package cmd

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/JakeFAU/bmie/internal/job"
	"github.com/JakeFAU/bmie/internal/stream"
)

var (
	stepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D787")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF005F")).Bold(true)
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C")).Italic(true)
)

// eventPrinter writes a run's events either as raw NDJSON or as styled
// terminal lines.
type eventPrinter struct {
	w   io.Writer
	enc *stream.Encoder
	// last is the closing state seen so far.
	last job.RunState
}

func newEventPrinter(w io.Writer, raw bool) *eventPrinter {
	p := &eventPrinter{w: w}
	if raw {
		p.enc = stream.NewEncoder(w)
	}
	return p
}

func (p *eventPrinter) print(evt job.Event) error {
	if evt.Type == job.EventFinal {
		p.last = evt.State
	}
	if p.enc != nil {
		return p.enc.Encode(evt)
	}
	line := formatEvent(evt)
	if line == "" {
		return nil
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}

// failed reports whether the run ended in any state other than completed.
func (p *eventPrinter) failed() bool {
	return p.last != "" && p.last != job.RunCompleted
}

func formatEvent(evt job.Event) string {
	switch evt.Type {
	case job.EventStep:
		return stepStyle.Render("» " + evt.Step)
	case job.EventProgress:
		return hintStyle.Render(fmt.Sprintf("  %3d%%", evt.Percent))
	case job.EventFile:
		if evt.File == nil {
			return ""
		}
		location := evt.File.Path
		if location == "" {
			location = evt.File.Name
		}
		return fmt.Sprintf("  wrote %s %s", evt.File.Kind, location)
	case job.EventItem:
		if evt.Item == nil {
			return ""
		}
		return formatItem(*evt.Item)
	case job.EventStats:
		if evt.Stats == nil {
			return ""
		}
		s := evt.Stats
		return hintStyle.Render(fmt.Sprintf("  %d/%d urls, %d files, %d errors, %.1f%% success, %.1fs",
			s.ProcessedURLs, s.TotalURLs, s.ProcessedFiles, s.Errors, s.SuccessRate, s.TotalTime))
	case job.EventAborted, job.EventError:
		return errorStyle.Render("✗ " + evt.Message)
	case job.EventFinal:
		if evt.State == job.RunCompleted {
			return successStyle.Render("✓ " + evt.Message)
		}
		return errorStyle.Render(fmt.Sprintf("✗ %s (%s)", evt.Message, evt.State))
	default:
		return ""
	}
}

func formatItem(item job.ItemStatus) string {
	switch item.State {
	case job.ItemSucceeded:
		return successStyle.Render("  ok ") + item.ID
	case job.ItemPermanentlyFailed:
		msg := "failed"
		if item.Err != nil {
			msg = item.Err.Message
		}
		return errorStyle.Render("  fail ") + fmt.Sprintf("%s after %d attempts: %s", item.ID, item.Attempts, msg)
	case job.ItemRetrying:
		return hintStyle.Render(fmt.Sprintf("  retry %s (attempt %d)", item.ID, item.Attempts))
	default:
		return hintStyle.Render(fmt.Sprintf("  %s %s", item.State, item.ID))
	}
}
