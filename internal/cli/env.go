package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/delegation"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/internal/localnet"
	"github.com/ChuLiYu/cron-provisioner/internal/snapshot"
	"github.com/ChuLiYu/cron-provisioner/internal/transport"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// env is everything a command needs to talk to its domains.
type env struct {
	cfg      *Config
	log      zerolog.Logger
	wallet   types.Address
	programs address.Programs

	primary ledger.Ledger
	// local holds the in-process domains, primary included when hosted here.
	local  map[string]*ledger.Memory
	pool   *transport.Pool
	router *delegation.Router
}

func openEnv(ctx context.Context, cfg *Config, log zerolog.Logger) (*env, error) {
	wallet, err := cfg.wallet()
	if err != nil {
		return nil, err
	}
	programs, err := cfg.programs()
	if err != nil {
		return nil, err
	}

	targets := make(map[string]string)
	for name, target := range cfg.Domains {
		if target != LocalTarget {
			targets[name] = target
		}
	}
	if cfg.Domain.Remote != "" {
		targets[cfg.Domain.Name] = cfg.Domain.Remote
	}

	e := &env{
		cfg:      cfg,
		log:      log,
		wallet:   wallet,
		programs: programs,
		local:    make(map[string]*ledger.Memory),
		pool:     transport.NewPool(targets),
	}

	if cfg.Domain.Remote != "" {
		c, err := e.pool.Client(cfg.Domain.Name)
		if err != nil {
			return nil, err
		}
		e.primary = c
	} else {
		mem, err := e.openLocal(cfg.Domain.Name)
		if err != nil {
			return nil, err
		}
		b := cfg.Bootstrap
		b.Wallet = wallet
		if _, err := localnet.Apply(ctx, mem, programs, b, log); err != nil {
			return nil, fmt.Errorf("bootstrap %q: %w", cfg.Domain.Name, err)
		}
		e.primary = mem
	}

	e.router = delegation.NewRouter(e.primary, programs)
	names := make([]string, 0, len(cfg.Domains))
	for name := range cfg.Domains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var l ledger.Ledger
		if cfg.Domains[name] == LocalTarget {
			mem, err := e.openLocal(name)
			if err != nil {
				return nil, err
			}
			l = mem
		} else {
			c, err := e.pool.Client(name)
			if err != nil {
				return nil, err
			}
			l = c
		}
		e.router.Register(name, l)
	}
	return e, nil
}

// openLocal creates an in-process domain and restores its snapshot.
func (e *env) openLocal(name string) (*ledger.Memory, error) {
	mem := localnet.NewDomain(name, e.programs, e.log)
	if path := e.cfg.snapshotPath(name); path != "" {
		if _, err := snapshot.NewManager(path).Restore(mem); err != nil {
			return nil, fmt.Errorf("restore %q: %w", name, err)
		}
	}
	e.local[name] = mem
	return mem, nil
}

// localPrimary returns the primary when it is hosted in-process.
func (e *env) localPrimary() (*ledger.Memory, error) {
	mem, ok := e.local[e.cfg.Domain.Name]
	if !ok {
		return nil, fmt.Errorf("domain %q is remote (%s); run this on the host that serves it", e.cfg.Domain.Name, e.cfg.Domain.Remote)
	}
	return mem, nil
}

// close persists the in-process domains and drops remote connections.
func (e *env) close() error {
	var errs []error
	for name, mem := range e.local {
		path := e.cfg.snapshotPath(name)
		if path == "" {
			continue
		}
		if err := snapshot.NewManager(path).Save(mem); err != nil {
			errs = append(errs, fmt.Errorf("save %q: %w", name, err))
		}
	}
	if err := e.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
