package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/controller"
	"github.com/ChuLiYu/cron-provisioner/internal/provision"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "cronprov", cmd.Use)
	assert.Equal(t, "0.1.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"provision", "serve", "derive", "status", "history", "job"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, DefaultConfigPath, configFlag.DefValue)
}

func TestBuildProvisionCommand_Flags(t *testing.T) {
	cmd := buildProvisionCommand()
	for _, name := range []string{"job", "queue", "schedule", "text", "funding", "context", "slot", "delegate"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
	assert.NotNil(t, cmd.RunE)
}

// ============================================================================
// Config
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cronprov.yaml")
	wallet := types.Address{9, 9, 9}
	content := `
wallet: ` + wallet.String() + `
log:
  level: debug
domain:
  name: primary
domains:
  ephemeral: 127.0.0.1:7002
journal:
  path: ./journal.log
  sync: true
node:
  snapshot_interval: 15s
  executor:
    workers: 8
job:
  queue: cron-queue
  name: daily-digest
  schedule: "@daily"
  context_index: 2
  delegate_to: ephemeral
  num_tasks_per_queue_call: 2
  funding_lamports: 5000000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := loadConfig(path, true)
	require.NoError(t, err)

	got, err := cfg.wallet()
	require.NoError(t, err)
	assert.Equal(t, wallet, got)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:7002", cfg.Domains["ephemeral"])
	assert.True(t, cfg.Journal.Sync)
	assert.Equal(t, 15*time.Second, cfg.Node.SnapshotInterval)
	assert.Equal(t, 8, cfg.Node.Executor.Workers)
	// untouched keys keep their defaults
	assert.Equal(t, "data/primary.json", cfg.Node.SnapshotPath)

	params := cfg.params()
	assert.Equal(t, "daily-digest", params.JobName)
	assert.Equal(t, "@daily", params.Schedule)
	assert.Equal(t, uint32(2), params.ContextIndex)
	assert.Equal(t, "ephemeral", params.DelegateTo)
	assert.Equal(t, uint16(2), params.Job.NumTasksPerQueueCall)
	assert.Equal(t, types.Lamports(5_000_000), params.Job.Funding)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, "hourly-ping", cfg.Job.Name)
	assert.Equal(t, "0 * * * * *", cfg.Job.Schedule)
	assert.Equal(t, types.LamportsPerSOL/100, cfg.Job.Funding)

	w, err := cfg.wallet()
	require.NoError(t, err)
	assert.Equal(t, devWallet, w)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing required file", filepath.Join(dir, "nope.yaml")},
		{"invalid yaml", write("bad.yaml", "job: [unclosed")},
		{"unknown delegate domain", write("delegate.yaml", "job:\n  delegate_to: elsewhere\n")},
		{"primary listed as alternate", write("dup.yaml", "domains:\n  primary: local\n")},
		{"bad wallet", write("wallet.yaml", "wallet: not-base58-0OIl\n")},
		{"bad program id", write("program.yaml", "programs:\n  cron: xyz\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(tt.path, true)
			assert.Error(t, err)
		})
	}
}

// ============================================================================
// Commands against an in-process domain
// ============================================================================

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cronprov.yaml")
	content := `
log:
  level: error
  format: json
journal:
  path: ` + filepath.Join(dir, "journal.log") + `
node:
  snapshot_path: ` + filepath.Join(dir, "primary.json") + `
domains:
  ephemeral: local
job:
  queue: cron-queue
  name: hourly-ping
  schedule: "0 * * * * *"
  funding_lamports: 10000000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestProvisionCommand_Rerun(t *testing.T) {
	cfgPath, dir := writeConfig(t)

	out, err := execute(t, "provision", "-c", cfgPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "3 created, 2 already present, 0 failed")
	assert.Contains(t, out, "cronprov job close --queue cron-queue --job hourly-ping")
	assert.FileExists(t, filepath.Join(dir, "primary.json"))

	// state survives across invocations through the snapshot
	out, err = execute(t, "provision", "-c", cfgPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "0 created, 5 already present, 0 failed")

	out, err = execute(t, "provision", "-c", cfgPath, "--delegate", "ephemeral")
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 created, 5 already present, 0 failed")
	assert.Contains(t, out, "-> ephemeral (delegated)")
	assert.FileExists(t, filepath.Join(dir, "ephemeral.json"))

	out, err = execute(t, "provision", "-c", cfgPath, "--delegate", "ephemeral")
	require.NoError(t, err, out)
	assert.Contains(t, out, "0 created, 7 already present, 0 failed")

	out, err = execute(t, "history", "-c", cfgPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 4)
	for _, l := range lines {
		assert.Contains(t, l, " ok ")
	}

	out, err = execute(t, "history", "-c", cfgPath, "--dump")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 5+5+7+7)
}

func TestProvisionCommand_MissingQueueFails(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, "provision", "-c", cfgPath, "--queue", "no-such-queue")
	require.Error(t, err)
	assert.ErrorIs(t, err, provision.ErrNotFound)
	assert.Contains(t, out, "0 created, 0 already present, 1 failed")

	out, err = execute(t, "history", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
}

func TestJobCommands_Undo(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := execute(t, "provision", "-c", cfgPath)
	require.NoError(t, err)

	// a job with a slot cannot be closed
	_, err = execute(t, "job", "close", "-c", cfgPath)
	require.Error(t, err)

	out, err := execute(t, "job", "remove-slot", "-c", cfgPath, "--index", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "removed slot 0 of hourly-ping")

	out, err = execute(t, "job", "close", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "closed hourly-ping")

	// provisioning again recreates what was closed
	out, err = execute(t, "provision", "-c", cfgPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 created, 3 already present, 0 failed")
}

func TestHistoryRotate(t *testing.T) {
	cfgPath, dir := writeConfig(t)
	_, err := execute(t, "provision", "-c", cfgPath)
	require.NoError(t, err)

	out, err := execute(t, "history", "rotate", "-c", cfgPath)
	require.NoError(t, err)
	archive := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(archive, filepath.Join(dir, "journal.log.")), archive)
	assert.FileExists(t, archive)

	out, err = execute(t, "history", "-c", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "no runs recorded\n", out)
}

func TestAttachJournal_Unconfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Journal.Path = ""
	p := controller.NewPipeline(controller.Config{Programs: address.DefaultPrograms(), Log: zerolog.Nop()})

	closeJournal, err := attachJournal(p, cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, closeJournal())
}

func TestServe_ProvisionFirstIsJournaled(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	cfg, err := loadConfig(cfgPath, true)
	require.NoError(t, err)
	cfg.Domain.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, zerolog.Nop(), true, &out) }()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(cfg.Journal.Path)
		return err == nil && bytes.Count(data, []byte("\n")) == 5
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Contains(t, out.String(), "3 created, 2 already present, 0 failed")

	history, err := execute(t, "history", "-c", cfgPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(history), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], " ok ")
}

func TestDeriveCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, "derive", "-c", cfgPath)
	require.NoError(t, err)

	programs := address.DefaultPrograms()
	queue, err := programs.Queue("cron-queue")
	require.NoError(t, err)
	assert.Contains(t, out, devWallet.String())
	assert.Contains(t, out, queue.String())
	assert.Contains(t, out, "interaction")
}

func TestStatusCommand_Local(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := execute(t, "provision", "-c", cfgPath)
	require.NoError(t, err)

	out, err := execute(t, "status", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "domain  primary (in-process")
	assert.Contains(t, out, "cron jobs")
}

// ============================================================================
// Report rendering
// ============================================================================

func filled(b byte) types.Address {
	var a types.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func TestRenderReport_Golden(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	hints := []string{
		"cronprov job remove-slot --queue cron-queue --job hourly-ping --index 0",
		"cronprov job close --queue cron-queue --job hourly-ping",
	}

	tests := []struct {
		name   string
		report *provision.Report
	}{
		{"report_mixed", &provision.Report{
			RunID:      "3f1c2a9e-run",
			StartedAt:  start,
			FinishedAt: start.Add(1500 * time.Millisecond),
			Entries: []provision.Entry{
				{Name: "task queue cron-queue", Kind: types.KindTaskQueue, Address: filled(1), Decision: types.DecisionExists},
				{Name: "context 0", Kind: types.KindContext, Address: filled(2), Decision: types.DecisionExists},
				{Name: "queue authority", Kind: types.KindQueueAuthority, Address: filled(3), Decision: types.DecisionCreated},
				{Name: "cron job hourly-ping", Kind: types.KindCronJob, Address: filled(4), Decision: types.DecisionCreated, Funded: 10_000_000},
				{Name: "slot 0", Kind: types.KindCronSlot, Address: filled(5), Decision: types.DecisionExists, Note: "occupied by a different transaction"},
			},
			Job:      &types.JobRecord{Name: "hourly-ping", Address: filled(4), Schedule: "0 * * * * *"},
			Slot:     &provision.SlotInfo{Index: 0, Address: filled(5), Digest: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"},
			Warnings: []string{"slot 0 holds digest 9f86d081884c, wanted 2c26b46b68ff; remove it to replace"},
			Hints:    hints,
		}},
		{"report_failed", &provision.Report{
			RunID:      "run-2",
			StartedAt:  start,
			FinishedAt: start.Add(250 * time.Millisecond),
			Entries: []provision.Entry{
				{Name: "task queue cron-queue", Kind: types.KindTaskQueue, Address: filled(1), Decision: types.DecisionExists},
				{Name: "context 7", Kind: types.KindContext, Address: filled(6), Decision: types.DecisionFailed, Error: "required resource not found"},
			},
		}},
		{"report_delegated", &provision.Report{
			RunID:      "run-3",
			StartedAt:  start,
			FinishedAt: start,
			Entries: []provision.Entry{
				{Name: "interaction 0", Kind: types.KindInteraction, Address: filled(6), Decision: types.DecisionCreated},
				{Name: "delegation to ephemeral", Kind: types.KindDelegation, Address: filled(7), Decision: types.DecisionCreated},
			},
			Delegation: &types.DelegationHandle{Resource: filled(6), Domain: "ephemeral", State: types.Delegated},
			Warnings:   []string{`job "hourly-ping" still executes against the primary domain`},
		}},
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			renderReport(&buf, tt.report, false)
			g.Assert(t, tt.name, buf.Bytes())
		})
	}
}
