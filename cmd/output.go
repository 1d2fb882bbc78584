package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/trackable/config"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiGray   = "\033[90m"
)

const timeLayout = "2006-01-02 15:04:05"

// printer renders command results in the selected output format.
type printer struct {
	w      io.Writer
	format config.OutputFormat
	color  bool
}

func newPrinter(w io.Writer, format config.OutputFormat) *printer {
	if !format.IsValid() {
		format = config.OutputFormatText
	}
	return &printer{w: w, format: format, color: colorEnabled(w)}
}

// colorEnabled reports whether w is a terminal that should get ANSI colors.
func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func (p *printer) paint(color, s string) string {
	if !p.color {
		return s
	}
	return color + s + ansiReset
}

// emit writes v as JSON or YAML, or calls text for the text format.
func (p *printer) emit(v any, text func() error) error {
	switch p.format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputFormatYAML:
		// Round-trip through JSON so YAML keys follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text()
	}
}

// Print writes v in format, using its default formatting for text.
func Print(w io.Writer, format config.OutputFormat, v any) error {
	return newPrinter(w, format).emit(v, func() error {
		_, err := fmt.Fprintln(w, v)
		return err
	})
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) status(s tracking.Status) string {
	name := s.String()
	switch s {
	case tracking.StatusLive:
		return p.paint(ansiGreen, name)
	case tracking.StatusPending, tracking.StatusHidden:
		return p.paint(ansiYellow, name)
	case tracking.StatusRejected, tracking.StatusRemoved:
		return p.paint(ansiRed, name)
	default:
		return name
	}
}

// recordView is the machine-readable form of a record.
type recordView struct {
	Ref      string           `json:"ref"`
	CacheKey string           `json:"cache_key,omitempty"`
	Record   *tracking.Record `json:"record"`
}

func (p *printer) record(rec *tracking.Record, cacheKey string) error {
	view := recordView{Ref: rec.Ref().String(), CacheKey: cacheKey, Record: rec}
	return p.emit(view, func() error {
		head := ""
		if rec.IsHead {
			head = p.paint(ansiGray, " (head)")
		}
		p.printf("%s  %s%s\n", rec.Ref(), p.status(rec.Status), head)
		if rec.SubmittedBy != "" {
			p.printf("  Submitted:  %s at %s\n", rec.SubmittedBy, formatTime(rec.SubmittedTime))
		}
		if rec.SubmissionMessage != "" {
			p.printf("  Message:    %s\n", rec.SubmissionMessage)
		}
		if rec.ApprovedBy != "" {
			p.printf("  Approved:   %s at %s\n", rec.ApprovedBy, formatTime(rec.ApprovedTime))
		}
		if rec.RemovedBy != "" {
			p.printf("  Removed:    %s at %s %s\n", rec.RemovedBy, formatTime(rec.RemovedTime), rec.RemovalMessage)
		}
		p.printf("  Last action: %s by %s at %s\n", rec.ActionTaken, orDash(rec.ActionBy), formatTime(rec.ActionTime))
		if rec.PointsTo != nil {
			p.printf("  Points to:  %d\n", *rec.PointsTo)
		}
		if rec.MergeEvent != nil {
			p.printf("  Merge event: %d\n", *rec.MergeEvent)
		}
		if cacheKey != "" {
			p.printf("  Cache key:  %s\n", cacheKey)
		}
		p.printf("  Fields:\n")
		for _, name := range sortedFieldNames(rec.Fields) {
			p.printf("    %-12s %s\n", name+":", formatValue(rec.Fields[name]))
		}
		return nil
	})
}

func (p *printer) records(recs []*tracking.Record) error {
	views := make([]recordView, len(recs))
	for i, r := range recs {
		views[i] = recordView{Ref: r.Ref().String(), Record: r}
	}
	return p.emit(views, func() error {
		if len(recs) == 0 {
			p.printf("No records found.\n")
			return nil
		}
		p.printf("  %-16s %-10s %-14s %s\n", "REF", "STATUS", "SUBMITTED BY", "FIELDS")
		p.printf("  %-16s %-10s %-14s %s\n", "---", "------", "------------", "------")
		for _, r := range recs {
			// Pad before painting so escape codes do not break the columns.
			status := p.status(r.Status) + strings.Repeat(" ", max(0, 10-len(r.Status.String())))
			p.printf("  %-16s %s %-14s %s\n",
				truncate(r.Ref().String(), 16),
				status,
				truncate(orDash(r.SubmittedBy), 14),
				truncate(summarizeFields(r.Fields), 60))
		}
		p.printf("\n%d record(s)\n", len(recs))
		return nil
	})
}

// historyEntry is one row of a revision chain.
type historyEntry struct {
	ID      int64     `json:"id"`
	Head    bool      `json:"head"`
	Status  string    `json:"status"`
	Action  string    `json:"action"`
	By      string    `json:"by,omitempty"`
	At      time.Time `json:"at"`
	Message string    `json:"message,omitempty"`
}

func (p *printer) history(ref tracking.Ref, chain []*tracking.Record) error {
	entries := make([]historyEntry, len(chain))
	for i, r := range chain {
		entries[i] = historyEntry{
			ID:      r.ID,
			Head:    r.IsHead,
			Status:  r.Status.String(),
			Action:  r.ActionTaken.String(),
			By:      r.ActionBy,
			At:      r.ActionTime,
			Message: r.ActionMessage,
		}
	}
	return p.emit(entries, func() error {
		p.printf("History of %s (%d version(s)):\n", ref, len(chain))
		for _, e := range entries {
			marker := " "
			if e.Head {
				marker = "*"
			}
			p.printf(" %s %-8d %-10s %-10s %-12s %s %s\n",
				marker, e.ID, e.Status, e.Action, truncate(orDash(e.By), 12), formatTime(e.At), e.Message)
		}
		return nil
	})
}

// message prints a single-line result, or {"message": ...} for structured formats.
func (p *printer) message(msg string) error {
	return p.emit(tracking.ModerationResult{Message: msg}, func() error {
		p.printf("%s\n", msg)
		return nil
	})
}

func sortedFieldNames(f tracking.Fields) []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func summarizeFields(f tracking.Fields) string {
	parts := make([]string, 0, len(f))
	for _, name := range sortedFieldNames(f) {
		parts = append(parts, name+"="+formatValue(f[name]))
	}
	return strings.Join(parts, " ")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case time.Time:
		return x.Format(time.RFC3339)
	case string:
		if x == "" {
			return `""`
		}
		return x
	default:
		return fmt.Sprint(x)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(timeLayout)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate shortens s to maxLen characters.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
