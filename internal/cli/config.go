package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/controller"
	"github.com/ChuLiYu/cron-provisioner/internal/localnet"
	"github.com/ChuLiYu/cron-provisioner/internal/logging"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// LocalTarget in the domains map hosts that domain in-process instead of
// dialing it.
const LocalTarget = "local"

// Config is the YAML configuration of cronprov.
type Config struct {
	// Wallet is the base58 address that pays for, signs and owns everything.
	// Empty uses a fixed development wallet.
	Wallet string `yaml:"wallet"`

	Programs struct {
		TaskQueue  string `yaml:"task_queue"`
		Cron       string `yaml:"cron"`
		Oracle     string `yaml:"oracle"`
		Delegation string `yaml:"delegation"`
	} `yaml:"programs"`

	Log logging.Config `yaml:"log"`

	// Domain is the primary domain. Without Remote it is hosted in-process
	// and persisted at Node.SnapshotPath.
	Domain struct {
		Name   string `yaml:"name"`
		Remote string `yaml:"remote"`
		Listen string `yaml:"listen"`
	} `yaml:"domain"`

	// Domains maps alternate domain names to host:port targets, or to
	// "local" for an in-process domain.
	Domains map[string]string `yaml:"domains"`

	Journal struct {
		Path string `yaml:"path"`
		Sync bool   `yaml:"sync"`
	} `yaml:"journal"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Bootstrap localnet.Bootstrap    `yaml:"bootstrap"`
	Node      controller.NodeConfig `yaml:"node"`
	Job       JobConfig             `yaml:"job"`
}

// JobConfig is the recurring interaction to provision.
type JobConfig struct {
	Queue           string `yaml:"queue"`
	Name            string `yaml:"name"`
	Schedule        string `yaml:"schedule"`
	ContextIndex    uint32 `yaml:"context_index"`
	Text            string `yaml:"text"`
	SlotIndex       uint32 `yaml:"slot_index"`
	DelegateTo      string `yaml:"delegate_to"`
	types.JobConfig `yaml:",inline"`
}

// DefaultConfig mirrors configs/default.yaml.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Log = logging.Config{Level: "info", Format: logging.FormatAuto}
	cfg.Domain.Name = "primary"
	cfg.Domain.Listen = "127.0.0.1:7001"
	cfg.Journal.Path = "data/journal.log"
	cfg.Metrics.Addr = ":9090"
	cfg.Bootstrap = localnet.Bootstrap{
		Airdrop:       10 * types.LamportsPerSOL,
		QueueName:     "cron-queue",
		QueueCapacity: 16,
	}
	cfg.Node = controller.DefaultNodeConfig()
	cfg.Node.SnapshotPath = "data/primary.json"
	cfg.Job = JobConfig{
		Queue:     "cron-queue",
		Name:      "hourly-ping",
		Schedule:  "0 * * * * *",
		JobConfig: types.JobConfig{NumTasksPerQueueCall: 1, Funding: controller.DefaultFunding},
	}
	return cfg
}

// loadConfig reads path over the defaults. A missing file at the default
// path is not an error.
func loadConfig(path string, required bool) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Domain.Name == "" {
		return errors.New("domain.name is required")
	}
	if _, dup := c.Domains[c.Domain.Name]; dup {
		return fmt.Errorf("domains: %q is the primary domain", c.Domain.Name)
	}
	if c.Job.DelegateTo != "" {
		if _, ok := c.Domains[c.Job.DelegateTo]; !ok {
			return fmt.Errorf("job.delegate_to: domain %q is not listed under domains", c.Job.DelegateTo)
		}
	}
	if _, err := c.wallet(); err != nil {
		return err
	}
	_, err := c.programs()
	return err
}

// devWallet is the wallet used when the config names none.
var devWallet = address.ProgramID("dev-wallet")

func (c *Config) wallet() (types.Address, error) {
	if c.Wallet == "" {
		return devWallet, nil
	}
	w, err := types.ParseAddress(c.Wallet)
	if err != nil {
		return types.Address{}, fmt.Errorf("wallet: %w", err)
	}
	return w, nil
}

func (c *Config) programs() (address.Programs, error) {
	return address.DefaultPrograms().Override(c.Programs.TaskQueue, c.Programs.Cron, c.Programs.Oracle, c.Programs.Delegation)
}

// params converts the job section into pipeline parameters.
func (c *Config) params() controller.Params {
	return controller.Params{
		QueueName:    c.Job.Queue,
		JobName:      c.Job.Name,
		Schedule:     c.Job.Schedule,
		ContextIndex: c.Job.ContextIndex,
		Text:         c.Job.Text,
		Job:          c.Job.JobConfig,
		SlotIndex:    c.Job.SlotIndex,
		DelegateTo:   c.Job.DelegateTo,
	}
}

// snapshotPath returns where the in-process domain name is persisted. The
// primary uses Node.SnapshotPath; alternates sit next to it.
func (c *Config) snapshotPath(name string) string {
	if c.Node.SnapshotPath == "" {
		return ""
	}
	if name == c.Domain.Name {
		return c.Node.SnapshotPath
	}
	return filepath.Join(filepath.Dir(c.Node.SnapshotPath), name+".json")
}
