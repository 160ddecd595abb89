package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/internal/provision"
	"github.com/ChuLiYu/cron-provisioner/internal/taskqueue"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

func TestNewCollector_Independent(t *testing.T) {
	// each collector owns its registry, so two never collide
	assert.NotPanics(t, func() {
		NewCollector()
		NewCollector()
	})
}

func TestProvisionHook(t *testing.T) {
	c := NewCollector()
	hook := c.ProvisionHook()

	hook("run", provision.Entry{Kind: types.KindCronJob, Decision: types.DecisionCreated})
	hook("run", provision.Entry{Kind: types.KindCronJob, Decision: types.DecisionExists})
	hook("run", provision.Entry{Kind: types.KindCronSlot, Decision: types.DecisionExists})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.decisions.WithLabelValues("cron_job", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.decisions.WithLabelValues("cron_job", "already-exists")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.decisions.WithLabelValues("cron_slot", "already-exists")))
	assert.Equal(t, 3, testutil.CollectAndCount(c.decisions))
}

func TestSubmitObserver(t *testing.T) {
	c := NewCollector()
	observe := c.SubmitObserver()

	observe("primary", nil, time.Millisecond)
	observe("primary", ledger.Reject(ledger.CodeUnauthorized, "frozen"), time.Millisecond)
	observe("ephemeral", errors.New("boom"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.submits.WithLabelValues("primary", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.submits.WithLabelValues("primary", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.submits.WithLabelValues("ephemeral", "error")))
}

func TestCrankObserver(t *testing.T) {
	c := NewCollector()
	observe := c.CrankObserver()
	observe("hourly-ping", nil)
	observe("hourly-ping", ledger.Reject(ledger.CodeInsufficientFunds, "empty"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.crankAttempts.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.crankAttempts.WithLabelValues("rejected")))
}

func TestRecordTaskResults(t *testing.T) {
	c := NewCollector()
	c.RecordTaskResults([]taskqueue.Result{
		{Success: true, Duration: 10 * time.Millisecond},
		{Success: false, Attempt: 0},
		{Success: false, Attempt: 2},
	}, 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksExecuted.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksExecuted.WithLabelValues("requeued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksExecuted.WithLabelValues("dead")))
}

func TestGauges(t *testing.T) {
	c := NewCollector()
	c.UpdateTaskStats(map[taskqueue.RunStatus]int{taskqueue.StatusPending: 4, taskqueue.StatusDead: 1})
	c.SetRecoveryTime(1500 * time.Millisecond)

	assert.Equal(t, 4.0, testutil.ToFloat64(c.tasks.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("dead")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.ProvisionHook()("run", provision.Entry{Kind: types.KindTaskQueue, Decision: types.DecisionExists})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `cronprov_provision_decisions_total{decision="already-exists",kind="task_queue"} 1`), body)
	assert.Contains(t, body, "cronprov_recovery_time_seconds")
}
