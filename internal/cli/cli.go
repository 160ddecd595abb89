// ============================================================================
// cronprov CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands over the provisioning pipeline and the local
//          execution domain.
//
// Command Structure:
//   cronprov                       # Root command
//   ├── provision                  # Ensure queue grant, job, slot, delegation
//   ├── serve                      # Host the primary domain (gRPC + crank)
//   ├── derive                     # Print every derived address
//   ├── status                     # Domain name and slot
//   ├── history                    # Journaled provisioning runs
//   │   └── rotate                 # Archive the journal
//   ├── job
//   │   ├── remove-slot            # Undo an attach
//   │   └── close                  # Undo a job
//   └── --config, -c               # YAML config (default: configs/default.yaml)
//
// provision Command:
//   1. Load config, flags override the job section
//   2. Open the primary domain (in-process or remote) and the alternates
//   3. Run the pipeline, journal every decision
//   4. Print the report; persist in-process domains
//
//   Examples:
//     ./cronprov provision
//     ./cronprov provision --job daily-digest --schedule @daily
//
// serve Command:
//   Hosts the primary domain: gRPC ledger service, crank and executor loops,
//   optional metrics endpoint. SIGINT/SIGTERM stop it gracefully with a final
//   snapshot.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/cron-provisioner/internal/broker"
	"github.com/ChuLiYu/cron-provisioner/internal/controller"
	"github.com/ChuLiYu/cron-provisioner/internal/logging"
	"github.com/ChuLiYu/cron-provisioner/internal/metrics"
	"github.com/ChuLiYu/cron-provisioner/internal/storage/journal"
	"github.com/ChuLiYu/cron-provisioner/internal/transport"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// DefaultConfigPath is read when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cronprov",
		Short: "cronprov: idempotent provisioning of recurring oracle interactions",
		Long: `cronprov provisions a recurring task against a capacity-limited task queue:
- deterministic addresses for every resource
- check-then-create provisioning that re-runs safely
- compiled transactions attached to a cron job
- optional hand-off to an alternate execution domain`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")

	rootCmd.AddCommand(buildProvisionCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildDeriveCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildJobCommand())

	return rootCmd
}

// setup loads the config and builds the logger. Logs go to stderr so the
// report on stdout stays clean.
func setup(cmd *cobra.Command) (*Config, zerolog.Logger, error) {
	required := cmd.Flags().Changed("config")
	cfg, err := loadConfig(configFile, required)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// ----------------------------------------------------------------------------
// provision
// ----------------------------------------------------------------------------

func buildProvisionCommand() *cobra.Command {
	var (
		jobName, queue, schedule, text, delegateTo string
		funding                                    uint64
		contextIndex, slotIndex                    uint32
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision the configured recurring interaction",
		Long:  "Ensure the queue authority grant, the cron job and its slot, and optionally delegate the interaction. Safe to re-run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("job") {
				cfg.Job.Name = jobName
			}
			if flags.Changed("queue") {
				cfg.Job.Queue = queue
			}
			if flags.Changed("schedule") {
				cfg.Job.Schedule = schedule
			}
			if flags.Changed("text") {
				cfg.Job.Text = text
			}
			if flags.Changed("funding") {
				cfg.Job.Funding = types.Lamports(funding)
			}
			if flags.Changed("context") {
				cfg.Job.ContextIndex = contextIndex
			}
			if flags.Changed("slot") {
				cfg.Job.SlotIndex = slotIndex
			}
			if flags.Changed("delegate") {
				cfg.Job.DelegateTo = delegateTo
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			return runProvision(cmd.Context(), cfg, log, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&jobName, "job", "", "cron job name")
	cmd.Flags().StringVar(&queue, "queue", "", "task queue name")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression, seconds first (e.g. \"0 * * * * *\" or @hourly)")
	cmd.Flags().StringVar(&text, "text", "", "prompt text sent on every run")
	cmd.Flags().Uint64Var(&funding, "funding", 0, "lamports transferred to a newly created job")
	cmd.Flags().Uint32Var(&contextIndex, "context", 0, "oracle context index")
	cmd.Flags().Uint32Var(&slotIndex, "slot", 0, "job transaction slot")
	cmd.Flags().StringVar(&delegateTo, "delegate", "", "domain to hand the interaction to")

	return cmd
}

func runProvision(ctx context.Context, cfg *Config, log zerolog.Logger, out io.Writer) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := openEnv(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	p := controller.NewPipeline(controller.Config{
		Ledger:   e.primary,
		Programs: e.programs,
		Wallet:   e.wallet,
		Router:   e.router,
		Log:      log,
	})
	closeJournal, err := attachJournal(p, cfg, log)
	if err != nil {
		return err
	}
	defer closeJournal()

	report, runErr := p.Run(ctx, cfg.params())
	renderReport(out, report, colorEnabled(out))
	return runErr
}

// attachJournal records every decision of p in the configured journal. The
// returned func closes it and is a no-op when no journal is configured.
func attachJournal(p *controller.Pipeline, cfg *Config, log zerolog.Logger) (func() error, error) {
	if cfg.Journal.Path == "" {
		return func() error { return nil }, nil
	}
	j, err := journal.Open(cfg.Journal.Path, cfg.Journal.Sync)
	if err != nil {
		return nil, err
	}
	p.AddHook(j.Hook(log))
	return j.Close, nil
}

// ----------------------------------------------------------------------------
// serve
// ----------------------------------------------------------------------------

func buildServeCommand() *cobra.Command {
	var listen string
	var provisionFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the primary domain",
		Long:  "Host the primary domain in-process: gRPC ledger service, cron crank, task executor and periodic snapshots.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Domain.Listen = listen
			}
			if cfg.Domain.Remote != "" {
				return errors.New("serve hosts the primary domain; unset domain.remote")
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log, provisionFirst, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address")
	cmd.Flags().BoolVar(&provisionFirst, "provision", false, "run the configured provisioning before serving")

	return cmd
}

func runServe(ctx context.Context, cfg *Config, log zerolog.Logger, provisionFirst bool, out io.Writer) (err error) {
	e, err := openEnv(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	mem, err := e.localPrimary()
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		srv := collector.StartServer(cfg.Metrics.Addr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	nodeCfg := cfg.Node
	nodeCfg.Cranker = e.wallet
	node := controller.NewNode(mem, e.programs, nodeCfg, collector, log)
	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Stop()

	if provisionFirst {
		p := controller.NewPipeline(controller.Config{Ledger: mem, Programs: e.programs, Wallet: e.wallet, Router: e.router, Log: log})
		if collector != nil {
			p.AddHook(collector.ProvisionHook())
		}
		closeJournal, err := attachJournal(p, cfg, log)
		if err != nil {
			return err
		}
		report, err := p.Run(ctx, cfg.params())
		renderReport(out, report, colorEnabled(out))
		if cerr := closeJournal(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}

	lis, err := net.Listen("tcp", cfg.Domain.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Domain.Listen, err)
	}
	srv := transport.NewServer(mem, mem.Name(), log)
	log.Info().Str("domain", mem.Name()).Str("listen", lis.Addr().String()).Msg("domain serving")
	if err := srv.Serve(ctx, lis); err != nil {
		return fmt.Errorf("ledger service: %w", err)
	}
	log.Info().Msg("received shutdown signal, stopping gracefully")
	return nil
}

// ----------------------------------------------------------------------------
// derive
// ----------------------------------------------------------------------------

func buildDeriveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "derive",
		Short: "Print the derived addresses of the configured job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			return runDerive(cfg, cmd.OutOrStdout())
		},
	}
}

func runDerive(cfg *Config, out io.Writer) error {
	wallet, err := cfg.wallet()
	if err != nil {
		return err
	}
	programs, err := cfg.programs()
	if err != nil {
		return err
	}

	queue, err := programs.Queue(cfg.Job.Queue)
	if err != nil {
		return err
	}
	grant, err := programs.TaskQueueAuthority(queue, wallet)
	if err != nil {
		return err
	}
	counter, err := programs.UserCronJobs(wallet)
	if err != nil {
		return err
	}
	mapping, err := programs.CronJobNameMapping(wallet, cfg.Job.Name)
	if err != nil {
		return err
	}
	ctxAddr, err := programs.Context(cfg.Job.ContextIndex)
	if err != nil {
		return err
	}
	interaction, err := programs.Interaction(wallet, ctxAddr)
	if err != nil {
		return err
	}
	record, err := programs.DelegationRecord(interaction)
	if err != nil {
		return err
	}

	rows := []struct {
		name string
		addr types.Address
	}{
		{"wallet", wallet},
		{"task queue " + cfg.Job.Queue, queue},
		{"queue authority", grant},
		{"job counter", counter},
		{"job name " + cfg.Job.Name, mapping},
		{fmt.Sprintf("context %d", cfg.Job.ContextIndex), ctxAddr},
		{"interaction", interaction},
		{"delegation record", record},
	}
	for _, r := range rows {
		fmt.Fprintf(out, "%-28s %s\n", r.name, r.addr)
	}
	fmt.Fprintln(out, "cron job                     read the job counter first (see provision)")
	return nil
}

// ----------------------------------------------------------------------------
// status
// ----------------------------------------------------------------------------

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show domain status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.Domain.Remote != "" {
				pool := transport.NewPool(map[string]string{cfg.Domain.Name: cfg.Domain.Remote})
				defer pool.Close()
				c, err := pool.Client(cfg.Domain.Name)
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				info, err := c.Info(ctx)
				if err != nil {
					return fmt.Errorf("query %s: %w", cfg.Domain.Remote, err)
				}
				fmt.Fprintf(out, "domain  %s (remote %s)\nslot    %d\n", info.Domain, cfg.Domain.Remote, info.Slot)
				return nil
			}

			e, err := openEnv(context.Background(), cfg, log)
			if err != nil {
				return err
			}
			defer e.close()
			mem, _ := e.localPrimary()
			fmt.Fprintf(out, "domain  %s (in-process, snapshot %s)\nslot    %d\n", mem.Name(), cfg.Node.SnapshotPath, mem.Slot())
			fmt.Fprintf(out, "cron jobs  %d\ntasks      %d\n",
				len(mem.AccountsOwnedBy(e.programs.Cron)), len(mem.AccountsOwnedBy(e.programs.TaskQueue)))
			return nil
		},
	}
}

// ----------------------------------------------------------------------------
// history
// ----------------------------------------------------------------------------

func buildHistoryCommand() *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled provisioning runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			j, err := openJournal(cfg)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			if dump {
				return j.Dump(out)
			}
			runs, err := j.Runs()
			if err != nil {
				return err
			}
			renderRuns(out, runs, colorEnabled(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "print every record")

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Archive the journal and start a new one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			j, err := openJournal(cfg)
			if err != nil {
				return err
			}
			defer j.Close()
			archive, err := j.Rotate()
			if err != nil {
				return err
			}
			log.Info().Str("archive", archive).Msg("journal rotated")
			fmt.Fprintln(cmd.OutOrStdout(), archive)
			return nil
		},
	})
	return cmd
}

func openJournal(cfg *Config) (*journal.Journal, error) {
	if cfg.Journal.Path == "" {
		return nil, errors.New("journal.path is not configured")
	}
	return journal.Open(cfg.Journal.Path, cfg.Journal.Sync)
}

// ----------------------------------------------------------------------------
// job
// ----------------------------------------------------------------------------

func buildJobCommand() *cobra.Command {
	var queue, name string

	cmd := &cobra.Command{
		Use:   "job",
		Short: "Undo what provision set up",
	}
	cmd.PersistentFlags().StringVar(&queue, "queue", "", "task queue name (default from config)")
	cmd.PersistentFlags().StringVar(&name, "job", "", "cron job name (default from config)")

	withBroker := func(cmd *cobra.Command, fn func(ctx context.Context, c *broker.Client, job string) error) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		if queue != "" {
			cfg.Job.Queue = queue
		}
		if name != "" {
			cfg.Job.Name = name
		}
		ctx := context.Background()
		e, err := openEnv(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer e.close()
		queueAddr, err := e.programs.Queue(cfg.Job.Queue)
		if err != nil {
			return err
		}
		return fn(ctx, broker.NewClient(e.primary, e.programs, e.wallet, queueAddr, log), cfg.Job.Name)
	}

	var index uint32
	removeSlot := &cobra.Command{
		Use:   "remove-slot",
		Short: "Remove a transaction from a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *broker.Client, job string) error {
				rec, err := c.GetJobByName(ctx, job)
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("job %q: %w", job, broker.ErrNotFound)
				}
				if err := c.RemoveTransaction(ctx, rec.Address, index); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed slot %d of %s\n", index, job)
				return nil
			})
		},
	}
	removeSlot.Flags().Uint32Var(&index, "index", 0, "slot index")

	closeJob := &cobra.Command{
		Use:   "close",
		Short: "Close a job and reclaim its balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, c *broker.Client, job string) error {
				if err := c.CloseJob(ctx, job); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "closed %s\n", job)
				return nil
			})
		},
	}

	cmd.AddCommand(removeSlot, closeJob)
	return cmd
}
