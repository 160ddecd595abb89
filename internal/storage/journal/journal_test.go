package journal

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cron-provisioner/internal/provision"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

func entry(name string, d types.Decision) provision.Entry {
	var addr types.Address
	addr[0] = byte(len(name))
	return provision.Entry{Name: name, Kind: types.KindCronJob, Address: addr, Decision: d}
}

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal", "provision.log")
	j, err := Open(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestAppendAndReplay(t *testing.T) {
	j, _ := openTemp(t)

	require.NoError(t, j.Append("run-1", entry("queue", types.DecisionExists)))
	require.NoError(t, j.Append("run-1", entry("job", types.DecisionCreated)))
	require.NoError(t, j.Append("run-2", entry("job", types.DecisionExists)))
	assert.Equal(t, uint64(3), j.LastSeq())

	var got []Record
	require.NoError(t, j.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 3)
	for i, r := range got {
		assert.Equal(t, uint64(i+1), r.Seq)
	}
	assert.Equal(t, "job", got[1].Name)
	assert.Equal(t, types.DecisionCreated, got[1].Decision)
	assert.Equal(t, entry("job", "").Address, got[1].Address)
}

func TestReopenContinuesSequence(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.Append("run-1", entry("queue", types.DecisionExists)))
	require.NoError(t, j.Append("run-1", entry("job", types.DecisionCreated)))
	require.NoError(t, j.Close())

	again, err := Open(path, false)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, uint64(2), again.LastSeq())

	require.NoError(t, again.Append("run-2", entry("job", types.DecisionExists)))
	last, err := LastRecord(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last.Seq)
	assert.Equal(t, "run-2", last.RunID)
}

func TestLastRecord_Empty(t *testing.T) {
	_, path := openTemp(t)
	_, err := LastRecord(path)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestReplay_ChecksumMismatch(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.Append("run-1", entry("queue", types.DecisionExists)))
	require.NoError(t, j.Append("run-1", entry("job", types.DecisionCreated)))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(b), `"decision":"created"`, `"decision":"failed"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	var seen int
	err = j.Replay(func(Record) error {
		seen++
		return nil
	})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(2), ce.Seq)
	assert.Equal(t, 1, seen, "records before the damage are still delivered")
}

func TestReplay_TornTail(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.Append("run-1", entry("queue", types.DecisionExists)))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"run_id":"ru`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = j.Replay(func(Record) error { return nil })
	assert.ErrorIs(t, err, ErrCorrupted)

	last, err := LastRecord(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last.Seq)
}

func TestReplay_HandlerErrorStops(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Append("run-1", entry("a", types.DecisionExists)))
	require.NoError(t, j.Append("run-1", entry("b", types.DecisionExists)))

	stop := errors.New("stop")
	calls := 0
	err := j.Replay(func(Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestRuns(t *testing.T) {
	j, _ := openTemp(t)
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	clock := base
	j.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	require.NoError(t, j.Append("first", entry("queue", types.DecisionExists)))
	require.NoError(t, j.Append("first", provision.Entry{Name: "job", Decision: types.DecisionFailed, Error: "boom"}))
	require.NoError(t, j.Append("second", entry("queue", types.DecisionExists)))

	runs, err := j.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "first", runs[0].ID)
	assert.Len(t, runs[0].Records, 2)
	assert.True(t, runs[0].Failed())
	assert.False(t, runs[1].Failed())
	assert.Equal(t, base.Add(time.Second), runs[0].Started.UTC())
}

func TestDump(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Append("run-1", provision.Entry{Name: "job", Kind: types.KindCronJob, Decision: types.DecisionFailed, Error: "insufficient"}))

	var buf bytes.Buffer
	require.NoError(t, j.Dump(&buf))
	assert.Contains(t, buf.String(), "[seq:1]")
	assert.Contains(t, buf.String(), "error=insufficient")
}

func TestRotate(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.Append("run-1", entry("queue", types.DecisionExists)))

	archive, err := j.Rotate()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(archive, ".gz"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	f, err := os.Open(archive)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"run_id":"run-1"`)

	require.NoError(t, j.Append("run-2", entry("job", types.DecisionCreated)))
	assert.Equal(t, uint64(2), j.LastSeq(), "sequence survives rotation")
}

func TestClosed(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Append("run", entry("x", types.DecisionExists)), ErrClosed)
	_, err := j.Rotate()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, j.Close())
}

func TestHook(t *testing.T) {
	j, _ := openTemp(t)
	hook := j.Hook(zerolog.Nop())
	hook("run-9", entry("slot 0", types.DecisionExists))
	assert.Equal(t, uint64(1), j.LastSeq())

	require.NoError(t, j.Close())
	assert.NotPanics(t, func() { hook("run-9", entry("late", types.DecisionExists)) })
}

// failingFile errors on every write.
type failingFile struct{}

func (failingFile) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (failingFile) Sync() error               { return nil }
func (failingFile) Close() error              { return nil }

func TestAppend_WriteFailureKeepsSequence(t *testing.T) {
	j, _ := openTemp(t)
	orig := j.file
	j.file = failingFile{}
	assert.ErrorContains(t, j.Append("run", entry("x", types.DecisionExists)), "disk full")
	assert.Zero(t, j.LastSeq())
	j.file = orig
}
