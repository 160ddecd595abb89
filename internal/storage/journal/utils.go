package journal

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"time"
)

// Checksum is the CRC32-IEEE of the record's JSON form with Checksum zeroed.
func Checksum(r Record) (uint32, error) {
	r.Checksum = 0
	b, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("journal: checksum seq=%d: %w", r.Seq, err)
	}
	return crc32.ChecksumIEEE(b), nil
}

// LastRecord scans path and returns its last intact record. Scanning stops
// at the first damaged line.
func LastRecord(path string) (*Record, error) {
	var last *Record
	err := replayFile(path, func(r Record) error {
		rec := r
		last = &rec
		return nil
	})
	if last != nil {
		return last, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrEmpty
}

// Run groups the records of one provisioning run.
type Run struct {
	ID      string
	Started time.Time
	Records []Record
}

// Failed reports whether any record of the run failed.
func (r Run) Failed() bool {
	for _, rec := range r.Records {
		if rec.Error != "" {
			return true
		}
	}
	return false
}

// Runs replays the journal and groups records by run, oldest first.
func (j *Journal) Runs() ([]Run, error) {
	index := make(map[string]int)
	var runs []Run
	err := j.Replay(func(r Record) error {
		i, ok := index[r.RunID]
		if !ok {
			i = len(runs)
			index[r.RunID] = i
			runs = append(runs, Run{ID: r.RunID, Started: r.Time()})
		}
		runs[i].Records = append(runs[i].Records, r)
		return nil
	})
	if err != nil {
		return runs, err
	}
	sort.SliceStable(runs, func(a, b int) bool { return runs[a].Started.Before(runs[b].Started) })
	return runs, nil
}

// Dump writes one human-readable line per record.
func (j *Journal) Dump(w io.Writer) error {
	return j.Replay(func(r Record) error {
		line := fmt.Sprintf("[seq:%d] %s %s %-14s %-12s %s", r.Seq, r.Time().UTC().Format(time.RFC3339), r.RunID, r.Decision, r.Kind, r.Name)
		if r.Error != "" {
			line += " error=" + r.Error
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
}
