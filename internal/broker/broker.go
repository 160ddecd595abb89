// ============================================================================
// Broker - recurring task broker contract
// ============================================================================
//
// Package: internal/broker
// File: broker.go
// Purpose: The broker stores named jobs, each with a schedule and a set of
//          compiled transactions ("slots"). A crank re-submits every slot of a
//          job into the task queue whenever the schedule fires.
//
// Addresses (cron program namespace):
//   UserCronJobs(authority)              per-authority id counter
//   CronJob(authority, id)               job record, id read from the counter
//   CronJobNameMapping(authority, name)  name -> job lookup
//   CronJobTransaction(job, index)       slot
//
// ============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

var (
	// ErrSlotOccupied is returned when a slot index already holds a transaction.
	ErrSlotOccupied = errors.New("slot occupied")
	// ErrNotFound is returned when a job or slot does not exist.
	ErrNotFound = errors.New("broker: not found")
	// ErrInvalidSchedule is returned for unparsable schedule expressions.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrNameInUse is returned when a job name is already mapped.
	ErrNameInUse = errors.New("job name in use")
)

// Broker is the recurring task broker seen by the registrar.
type Broker interface {
	// CreateJob registers a new job. The job starts unfunded.
	CreateJob(ctx context.Context, name, schedule string, cfg types.JobConfig) (*types.JobRecord, error)
	// GetJobByName returns the job mapped to name, or nil if none.
	GetJobByName(ctx context.Context, name string) (*types.JobRecord, error)
	// AttachTransaction stores tx at index within job.
	AttachTransaction(ctx context.Context, job types.Address, index uint32, tx types.CompiledTransaction) error
	// GetSlot returns the slot at index within job, or nil if empty.
	GetSlot(ctx context.Context, job types.Address, index uint32) (*types.SlotRecord, error)
}

// scheduleParser accepts an optional leading seconds field and descriptors
// such as @hourly or @every 1h.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates expr and returns its schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	s, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return s, nil
}
