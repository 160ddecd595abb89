package provision

import (
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Entry is one recorded decision.
type Entry struct {
	Name     string             `json:"name"`
	Kind     types.ResourceKind `json:"kind"`
	Address  types.Address      `json:"address"`
	Decision types.Decision     `json:"decision"`
	Funded   types.Lamports     `json:"funded,omitempty"`
	Note     string             `json:"note,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Report is what one pipeline run did, in order.
type Report struct {
	RunID      string                  `json:"run_id"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Entries    []Entry                 `json:"entries"`
	Job        *types.JobRecord        `json:"job,omitempty"`
	Slot       *SlotInfo               `json:"slot,omitempty"`
	Delegation *types.DelegationHandle `json:"delegation,omitempty"`
	Warnings   []string                `json:"warnings,omitempty"`
	// Hints are operator commands that undo what the run set up.
	Hints []string `json:"hints,omitempty"`
}

// SlotInfo identifies the compiled transaction attached to the job.
type SlotInfo struct {
	Index   uint32        `json:"index"`
	Address types.Address `json:"address"`
	Digest  string        `json:"digest"`
}

// NewReport starts a report with a fresh run id.
func NewReport(now time.Time) *Report {
	return &Report{RunID: uuid.NewString(), StartedAt: now}
}

func (r *Report) add(e Entry) {
	r.Entries = append(r.Entries, e)
}

// Warn adds a warning.
func (r *Report) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Finish stamps the end time.
func (r *Report) Finish(now time.Time) {
	r.FinishedAt = now
}

// Count returns how many entries carry decision d.
func (r *Report) Count(d types.Decision) int {
	n := 0
	for _, e := range r.Entries {
		if e.Decision == d {
			n++
		}
	}
	return n
}

// AllPresent reports whether the run found everything already in place.
func (r *Report) AllPresent() bool {
	return len(r.Entries) > 0 && r.Count(types.DecisionExists) == len(r.Entries)
}

// Failed returns the first failed entry, or nil.
func (r *Report) Failed() *Entry {
	for i := range r.Entries {
		if r.Entries[i].Decision == types.DecisionFailed {
			return &r.Entries[i]
		}
	}
	return nil
}

// Lookup returns the entry named name, or nil.
func (r *Report) Lookup(name string) *Entry {
	for i := range r.Entries {
		if r.Entries[i].Name == name {
			return &r.Entries[i]
		}
	}
	return nil
}
