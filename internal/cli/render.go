package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ChuLiYu/cron-provisioner/internal/provision"
	"github.com/ChuLiYu/cron-provisioner/internal/storage/journal"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// palette holds the colors used in reports. Every color is disabled when the
// output is not a terminal.
type palette struct {
	created, exists, failed, warn, dim *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		created: color.New(color.FgGreen, color.Bold),
		exists:  color.New(color.FgCyan),
		failed:  color.New(color.FgRed, color.Bold),
		warn:    color.New(color.FgYellow),
		dim:     color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.created, p.exists, p.failed, p.warn, p.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) decision(d types.Decision) string {
	switch d {
	case types.DecisionCreated:
		return p.created.Sprintf("%-8s", "created")
	case types.DecisionExists:
		return p.exists.Sprintf("%-8s", "exists")
	default:
		return p.failed.Sprintf("%-8s", "failed")
	}
}

// renderReport prints r for an operator.
func renderReport(w io.Writer, r *provision.Report, colored bool) {
	p := newPalette(colored)
	took := r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(w, "run %s %s\n", r.RunID, p.dim.Sprintf("(%s)", took))

	width := 0
	for _, e := range r.Entries {
		if len(e.Name) > width {
			width = len(e.Name)
		}
	}
	for _, e := range r.Entries {
		line := fmt.Sprintf("  %s %-*s  %s", p.decision(e.Decision), width, e.Name, e.Address)
		if e.Funded > 0 {
			line += fmt.Sprintf("  funded %s SOL", e.Funded.SOL())
		}
		if e.Note != "" {
			line += "  " + p.dim.Sprintf("(%s)", e.Note)
		}
		fmt.Fprintln(w, line)
		if e.Error != "" {
			fmt.Fprintf(w, "    %s\n", p.failed.Sprint("error: "+e.Error))
		}
	}

	if r.Job != nil {
		fmt.Fprintf(w, "job   %s  %s  schedule %q\n", r.Job.Name, r.Job.Address, r.Job.Schedule)
	}
	if r.Slot != nil {
		fmt.Fprintf(w, "slot  %d  %s  digest %s\n", r.Slot.Index, r.Slot.Address, short(r.Slot.Digest, 16))
	}
	if h := r.Delegation; h != nil {
		fmt.Fprintf(w, "delegation  %s -> %s (%s)\n", h.Resource, h.Domain, h.State)
	}
	for _, msg := range r.Warnings {
		fmt.Fprintf(w, "%s %s\n", p.warn.Sprint("warning:"), msg)
	}
	if len(r.Hints) > 0 {
		fmt.Fprintln(w, "undo with:")
		for _, h := range r.Hints {
			fmt.Fprintf(w, "  %s\n", p.dim.Sprint(h))
		}
	}
	fmt.Fprintf(w, "%d created, %d already present, %d failed\n",
		r.Count(types.DecisionCreated), r.Count(types.DecisionExists), r.Count(types.DecisionFailed))
}

// renderRuns prints one line per journaled run.
func renderRuns(w io.Writer, runs []journal.Run, colored bool) {
	p := newPalette(colored)
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	for _, run := range runs {
		var created, exists int
		var names []string
		for _, rec := range run.Records {
			switch rec.Decision {
			case types.DecisionCreated:
				created++
				names = append(names, rec.Name)
			case types.DecisionExists:
				exists++
			}
		}
		state := p.created.Sprint("ok")
		if run.Failed() {
			state = p.failed.Sprint("failed")
		}
		line := fmt.Sprintf("%s  %s  %-6s  %d created, %d present",
			run.Started.UTC().Format(time.RFC3339), run.ID, state, created, exists)
		if len(names) > 0 {
			line += "  " + p.dim.Sprint(strings.Join(names, ", "))
		}
		fmt.Fprintln(w, line)
	}
}

func short(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
