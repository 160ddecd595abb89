package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/controller"
	"github.com/ChuLiYu/cron-provisioner/internal/localnet"
	"github.com/ChuLiYu/cron-provisioner/internal/logging"
	"github.com/ChuLiYu/cron-provisioner/internal/oracle"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

type Config struct {
	Log  logging.Config `yaml:"log"`
	Demo struct {
		DataDir  string `yaml:"data_dir"`
		Schedule string `yaml:"schedule"`
		// Ticks is how many simulated hours "start" cranks through.
		Ticks int `yaml:"ticks"`
	} `yaml:"demo"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := loadConfig("configs/demo.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.Must(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	programs := address.DefaultPrograms()
	wallet := address.ProgramID("demo-wallet")
	domain := localnet.NewDomain("primary", programs, logger)

	nodeCfg := controller.DefaultNodeConfig()
	nodeCfg.SnapshotPath = filepath.Join(cfg.Demo.DataDir, "primary.json")
	nodeCfg.Cranker = wallet
	// the demo drives time itself through Step
	nodeCfg.Crank.Interval = time.Hour
	nodeCfg.ExecuteInterval = time.Hour
	node := controller.NewNode(domain, programs, nodeCfg, nil, logger)
	if err := node.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	defer node.Stop()
	fmt.Printf("✓ Node started (mode: %s, slot %d)\n", mode, domain.Slot())

	oracles := oracle.NewClient(domain, programs, logger)

	switch mode {
	case "start":
		if _, err := localnet.Apply(ctx, domain, programs, localnet.Bootstrap{
			Wallet:    wallet,
			Airdrop:   10 * types.LamportsPerSOL,
			QueueName: "cron-queue",
		}, logger); err != nil {
			log.Fatalf("Failed to bootstrap domain: %v", err)
		}

		pipeline := controller.NewPipeline(controller.Config{Ledger: domain, Programs: programs, Wallet: wallet, Log: logger})
		report, err := pipeline.Run(ctx, controller.Params{
			QueueName: "cron-queue",
			JobName:   "demo-ping",
			Schedule:  cfg.Demo.Schedule,
			Job:       types.JobConfig{NumTasksPerQueueCall: 1, Funding: types.LamportsPerSOL / 10},
		})
		if err != nil {
			log.Fatalf("Provisioning failed: %v", err)
		}
		fmt.Printf("✓ Provisioned: %d created, %d already present\n",
			report.Count(types.DecisionCreated), report.Count(types.DecisionExists))

		now := time.Now()
		for i := 1; i <= cfg.Demo.Ticks; i++ {
			if ctx.Err() != nil {
				break
			}
			queued, results, err := node.Step(ctx, now.Add(time.Duration(i)*time.Hour))
			if err != nil {
				log.Fatalf("Step %d failed: %v", i, err)
			}
			fmt.Printf("⏱  +%dh  queued=%d executed=%d\n", i, queued, len(results))
		}
		if err := node.TakeSnapshot(); err != nil {
			log.Fatalf("Snapshot failed: %v", err)
		}
		fmt.Printf("\n💡 Run 'go run ./cmd/demo recover' to reload this state\n")

	case "recover":
		// Start already restored the snapshot
		if domain.Slot() == 0 {
			fmt.Println("⚠️  No snapshot found, run 'start' first")
			return
		}
	default:
		log.Fatalf("unknown mode %q", mode)
	}

	interaction, err := oracles.GetInteraction(ctx, wallet, 0)
	if err != nil {
		log.Fatalf("Failed to read interaction: %v", err)
	}
	status := node.Status()
	fmt.Printf("\n📊 Status:\n")
	fmt.Printf("  Slot:      %d\n", status["slot"])
	fmt.Printf("  Completed: %d\n", status["completed"])
	fmt.Printf("  Dead:      %d\n", status["dead"])
	if interaction != nil {
		fmt.Printf("  Interactions recorded: %d\n", interaction.Count)
	}
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	cfg.Demo.DataDir = "data/demo"
	cfg.Demo.Schedule = "0 0 * * * *"
	cfg.Demo.Ticks = 3

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
