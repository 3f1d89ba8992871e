package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/shield-labs/lightscan-go/pkg/config"
	"github.com/shield-labs/lightscan-go/pkg/crypto"
	"github.com/shield-labs/lightscan-go/pkg/logger"
	"github.com/shield-labs/lightscan-go/pkg/persistence"
	badgerPersistence "github.com/shield-labs/lightscan-go/pkg/persistence/badger"
	"github.com/shield-labs/lightscan-go/pkg/persistence/memory"
	redisPersistence "github.com/shield-labs/lightscan-go/pkg/persistence/redis"
	"github.com/shield-labs/lightscan-go/pkg/types"
	"github.com/shield-labs/lightscan-go/pkg/wallet"
)

func main() {
	app := &cli.App{
		Name:  "lightscan",
		Usage: "Shielded block scanner",
		Description: `Scans compact blocks against a set of viewing keys, maintaining the note
commitment accumulator, per-note witnesses and the unspent nullifier set in
a local persistence backend.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Value:   string(config.BackendBadger),
				Usage:   "persistence backend: memory, badger or redis",
				EnvVars: []string{config.EnvScannerBackend},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Value:   "./lightscan-data",
				Usage:   "data directory for the badger backend",
				EnvVars: []string{config.EnvScannerDataDir},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "redis server address (host:port)",
				EnvVars: []string{config.EnvScannerRedisAddress},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "redis password",
				EnvVars: []string{config.EnvScannerRedisPassword},
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Usage:   "redis database number",
				EnvVars: []string{config.EnvScannerRedisDB},
			},
			&cli.StringFlag{
				Name:     "seed",
				Usage:    "32-byte hex seed the viewing keys derive from",
				EnvVars:  []string{config.EnvScannerSeed},
				Required: true,
			},
			&cli.UintFlag{
				Name:    "accounts",
				Aliases: []string{"a"},
				Value:   1,
				Usage:   "number of sequential accounts to track",
				EnvVars: []string{config.EnvScannerAccounts},
			},
			&cli.Uint64Flag{
				Name:    "prune-depth",
				Value:   wallet.DefaultPruneDepth,
				Usage:   "number of recent heights to keep witness history for",
				EnvVars: []string{config.EnvScannerPruneDepth},
			},
			&cli.BoolFlag{
				Name:  "check-invariants",
				Usage: "verify witness anchors after every scanned block",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
				EnvVars: []string{config.EnvScannerVerbose},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "scan",
				Usage:     "validate and scan a compact block cache file",
				ArgsUsage: "<blocks.json>",
				Action:    runScan,
			},
			{
				Name:  "rewind",
				Usage: "roll the scanned state back to a height",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "height", Usage: "target height", Required: true},
				},
				Action: runRewind,
			},
			{
				Name:   "balance",
				Usage:  "print per-account unspent balances",
				Action: runBalance,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application failed: %v", err)
	}
}

func configFromFlags(c *cli.Context) *config.ScannerConfig {
	return &config.ScannerConfig{
		Backend:         config.Backend(c.String("backend")),
		DataDir:         c.String("data-dir"),
		RedisAddress:    c.String("redis-address"),
		RedisPassword:   c.String("redis-password"),
		RedisDB:         c.Int("redis-db"),
		SeedHex:         c.String("seed"),
		Accounts:        uint32(c.Uint("accounts")),
		PruneDepth:      c.Uint64("prune-depth"),
		CheckInvariants: c.Bool("check-invariants"),
		Verbose:         c.Bool("verbose"),
	}
}

// setup builds the wallet and its persistence layer from CLI flags. The
// caller must Close the returned store.
func setup(c *cli.Context) (*wallet.Wallet, persistence.IWalletPersistence, *zap.Logger, error) {
	cfg := configFromFlags(c)
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Verbose})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	var store persistence.IWalletPersistence
	switch cfg.Backend {
	case config.BackendMemory:
		store = memory.NewMemoryPersistence()
	case config.BackendBadger:
		store, err = badgerPersistence.NewBadgerPersistence(cfg.DataDir, l)
	case config.BackendRedis:
		store, err = redisPersistence.NewRedisPersistence(&redisPersistence.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, l)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}

	seed, err := cfg.Seed()
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	keys := make([]*crypto.ViewingKey, cfg.Accounts)
	for i := range keys {
		keys[i] = crypto.NewViewingKey(uint32(i), seed)
	}

	w, err := wallet.New(store, keys, l, wallet.Config{
		PruneDepth:      cfg.PruneDepth,
		CheckInvariants: cfg.CheckInvariants,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	return w, store, l, nil
}

func runScan(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one block cache file argument")
	}

	blocks, err := loadBlocks(c.Args().First())
	if err != nil {
		return err
	}

	w, store, l, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Validation walks the cache from the newest block down to the scanned
	// tip; scanning then consumes it in ascending order.
	descending := make([]*types.CompactBlock, len(blocks))
	copy(descending, blocks)
	sort.Slice(descending, func(i, j int) bool { return descending[i].Height > descending[j].Height })
	if err := w.ValidateChain(descending); err != nil {
		return fmt.Errorf("cached chain rejected: %w", err)
	}

	ascending := make([]*types.CompactBlock, len(blocks))
	copy(ascending, blocks)
	sort.Slice(ascending, func(i, j int) bool { return ascending[i].Height < ascending[j].Height })
	if err := w.ScanCachedBlocks(ascending); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	l.Sugar().Infow("Scanned block cache", "file", c.Args().First(), "blocks", len(blocks))
	return nil
}

func runRewind(c *cli.Context) error {
	w, store, _, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return w.RewindToHeight(c.Uint64("height"))
}

func runBalance(c *cli.Context) error {
	w, store, _, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	for account := uint32(0); account < uint32(c.Uint("accounts")); account++ {
		balance, err := w.Balance(account)
		if err != nil {
			return err
		}
		fmt.Printf("account %d: %d\n", account, balance)
	}
	return nil
}

func loadBlocks(path string) ([]*types.CompactBlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read block cache %s: %w", path, err)
	}
	var blocks []*types.CompactBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("failed to decode block cache %s: %w", path, err)
	}
	return blocks, nil
}
