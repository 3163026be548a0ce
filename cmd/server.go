// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ShardWorks/keepfs/pkg/codec"
	"github.com/ShardWorks/keepfs/pkg/debug"
	"github.com/ShardWorks/keepfs/pkg/events"
	"github.com/ShardWorks/keepfs/pkg/gateway"
	"github.com/ShardWorks/keepfs/pkg/keeper"
	"github.com/ShardWorks/keepfs/pkg/ledger"
	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/payment"
	"github.com/ShardWorks/keepfs/pkg/placer"
	"github.com/ShardWorks/keepfs/pkg/recovery"
	"github.com/ShardWorks/keepfs/pkg/registry"
	"github.com/ShardWorks/keepfs/pkg/taskqueue"
	"github.com/ShardWorks/keepfs/pkg/transport"
	"github.com/ShardWorks/keepfs/pkg/utils"
	"github.com/ShardWorks/keepfs/pkg/verify"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServerOpts holds all configuration for the custody server.
type ServerOpts struct {
	// Network binding
	BindAddr  string // Gateway listen address (e.g., ":9000")
	DebugPort int    // Debug/metrics HTTP port

	// Storage
	DataDir       string // Directory for bolt databases
	ChunkSize     uint64
	EncryptionKey string // Hex-encoded 32-byte key; empty generates and persists one
	Plaintext     bool   // Explicit opt-out from chunk encryption

	// Node liveness
	HeartbeatInterval time.Duration
	DeadNodeTimeout   time.Duration
	SeedNodesFile     string // Optional static node catalog (JSON)

	// Verification
	ChallengeInterval time.Duration
	ChallengeTimeout  time.Duration
	MaxVerifications  int64
	ChallengeRate     float64

	// Recovery worker
	WorkerConcurrency int
	PollInterval      time.Duration
	TaskRetention     time.Duration

	// Placement and payment
	BaseCostPerChunk float64
	OracleBalance    float64

	// Transport
	TransferTimeout time.Duration
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start custody server",
	Long: `Start a KeepFS custody server: the HTTP gateway, node registry,
replica ledger, verification engine, and recovery worker in one process.`,
	Run: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	f := serverCmd.Flags()

	f.String("bind_addr", ":9000", "Gateway listen address (host:port)")
	f.Int("debug_port", 9010, "Debug/metrics HTTP port")

	f.String("data_dir", filepath.Join(os.TempDir(), "keepfs"), "Directory for durable state")
	f.Uint64("chunk_size", 0, "Chunk size in bytes (0 = 1 MiB default)")
	f.String("encryption_key", "", "Hex-encoded 32-byte chunk encryption key (empty = generate and persist one under data_dir)")
	f.Bool("plaintext", false, "Store chunks unencrypted")

	f.Duration("heartbeat_interval", registry.DefaultHeartbeatInterval, "Expected node heartbeat interval")
	f.Duration("dead_node_timeout", registry.DefaultDeadNodeTimeout, "Silence after which an offline node is declared dead")
	f.String("seed_nodes", "", "JSON file with a static node catalog to announce at startup")

	f.Duration("challenge_interval", verify.DefaultChallengeInterval, "How often to run a verification pass")
	f.Duration("challenge_timeout", verify.DefaultChallengeTimeout, "Per-challenge response deadline")
	f.Int64("max_verifications", verify.DefaultMaxConcurrentVerifications, "Upper bound on concurrent challenges")
	f.Float64("challenge_rate", verify.DefaultChallengeRate, "Challenges issued per second")

	f.Int("worker_concurrency", taskqueue.DefaultConcurrency, "Concurrent recovery tasks")
	f.Duration("poll_interval", taskqueue.DefaultPollInterval, "Task queue poll interval")
	f.Duration("task_retention", 24*time.Hour, "How long finished tasks are kept")

	f.Float64("base_cost_per_chunk", placer.DefaultBaseCostPerChunk, "Cost of one chunk at multiplier 1.0")
	f.Float64("oracle_balance", 1e9, "Spendable balance of the fixed payment oracle")

	f.Duration("transfer_timeout", keeper.DefaultTransferTimeout, "Per-node chunk transfer deadline")

	viper.BindPFlags(f)
}

func loadServerOpts(cmd *cobra.Command) ServerOpts {
	f := NewFlagLoader(cmd)
	return ServerOpts{
		BindAddr:          f.String("bind_addr"),
		DebugPort:         f.Int("debug_port"),
		DataDir:           f.String("data_dir"),
		ChunkSize:         f.Uint64("chunk_size"),
		EncryptionKey:     f.String("encryption_key"),
		Plaintext:         f.Bool("plaintext"),
		HeartbeatInterval: f.Duration("heartbeat_interval"),
		DeadNodeTimeout:   f.Duration("dead_node_timeout"),
		SeedNodesFile:     f.String("seed_nodes"),
		ChallengeInterval: f.Duration("challenge_interval"),
		ChallengeTimeout:  f.Duration("challenge_timeout"),
		MaxVerifications:  f.Int64("max_verifications"),
		ChallengeRate:     f.Float64("challenge_rate"),
		WorkerConcurrency: f.Int("worker_concurrency"),
		PollInterval:      f.Duration("poll_interval"),
		TaskRetention:     f.Duration("task_retention"),
		BaseCostPerChunk:  f.Float64("base_cost_per_chunk"),
		OracleBalance:     f.Float64("oracle_balance"),
		TransferTimeout:   f.Duration("transfer_timeout"),
	}
}

func runServer(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("server", false)
	opts := loadServerOpts(cmd)

	debug.SetNotReady()

	if err := os.MkdirAll(opts.DataDir, 0750); err != nil {
		logger.Fatal().Err(err).Str("data_dir", opts.DataDir).Msg("failed to create data directory")
	}

	// Durable state
	nodeStore, err := registry.NewBoltStore(filepath.Join(opts.DataDir, "nodes.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open node store")
	}
	defer nodeStore.Close()

	ledgerStore, err := ledger.NewBoltStore(filepath.Join(opts.DataDir, "replicas.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open replica store")
	}
	defer ledgerStore.Close()

	fileStore, err := keeper.NewBoltStore(filepath.Join(opts.DataDir, "files.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open file store")
	}
	defer fileStore.Close()

	queue, err := taskqueue.NewBoltQueue(taskqueue.BoltQueueConfig{
		Path: filepath.Join(opts.DataDir, "tasks.db"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open task queue")
	}
	defer queue.Close()

	// Core services
	reg, err := registry.New(registry.Config{
		HeartbeatInterval: opts.HeartbeatInterval,
		DeadNodeTimeout:   opts.DeadNodeTimeout,
		Store:             nodeStore,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create registry")
	}
	if opts.SeedNodesFile != "" {
		if _, err := reg.SeedFromFile(utils.ResolvePath(opts.SeedNodesFile)); err != nil {
			logger.Fatal().Err(err).Str("path", opts.SeedNodesFile).Msg("failed to seed node catalog")
		}
	}

	emitter := events.NewEmitter(events.EmitterConfig{Queue: queue, Enabled: true})

	led, err := ledger.New(ledger.Config{Store: ledgerStore, Emitter: emitter})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create ledger")
	}

	cdc, err := buildCodec(opts.DataDir, opts.EncryptionKey, opts.Plaintext)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build chunk codec")
	}

	oracle := payment.NewFixedOracle(opts.OracleBalance)
	planner := placer.New(placer.Config{
		Registry:         reg,
		Oracle:           oracle,
		BaseCostPerChunk: opts.BaseCostPerChunk,
	})
	chunkTransport := transport.NewHTTPTransport(opts.TransferTimeout)

	keep, err := keeper.New(keeper.Config{
		Codec:           cdc,
		Registry:        reg,
		Ledger:          led,
		Planner:         planner,
		Transport:       chunkTransport,
		Oracle:          oracle,
		Store:           fileStore,
		ChunkSize:       opts.ChunkSize,
		TransferTimeout: opts.TransferTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create keeper")
	}

	coord := recovery.New(recovery.Config{
		Ledger:    led,
		Registry:  reg,
		Planner:   planner,
		Transport: chunkTransport,
		Emitter:   emitter,
		Queue:     queue,
	})

	worker := taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:           "recovery-worker",
		Queue:        queue,
		PollInterval: opts.PollInterval,
		Concurrency:  opts.WorkerConcurrency,
	})
	recovery.RegisterHandlers(worker, coord)

	engine := verify.New(verify.Config{
		Ledger:                     led,
		Registry:                   reg,
		Transport:                  chunkTransport,
		Blobs:                      keep,
		Emitter:                    emitter,
		ChallengeInterval:          opts.ChallengeInterval,
		ChallengeTimeout:           opts.ChallengeTimeout,
		MaxConcurrentVerifications: opts.MaxVerifications,
		ChallengeRate:              opts.ChallengeRate,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg.StartMonitor()
	defer reg.StopMonitor()
	worker.Start(ctx)
	defer worker.Stop()
	engine.Start(ctx)
	defer engine.Stop()
	go cleanupTasks(ctx, queue, opts.TaskRetention)

	// Debug/metrics server
	debugSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.DebugPort),
		Handler: debug.GetMux(),
	}
	go func() {
		logger.Info().Str("addr", debugSrv.Addr).Msg("debug server listening")
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("debug server failed")
		}
	}()

	// Gateway
	gw := gateway.New(gateway.Config{
		Keeper:   keep,
		Registry: reg,
		Coord:    coord,
		Queue:    queue,
	})
	gatewaySrv := &http.Server{
		Addr:         opts.BindAddr,
		Handler:      gw.Router(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
	}
	go func() {
		logger.Info().Str("addr", opts.BindAddr).Msg("gateway listening")
		if err := gatewaySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("gateway failed")
		}
	}()

	debug.SetReady()
	logger.Info().
		Str("data_dir", opts.DataDir).
		Bool("encryption", cdc.Encrypts()).
		Msg("custody server started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	gatewaySrv.Shutdown(shutdownCtx)
	debugSrv.Shutdown(shutdownCtx)
}

// buildCodec returns the chunk codec. Encryption is on unless explicitly
// opted out: a configured key wins, otherwise a generated key is persisted
// under dataDir so restarts can still open stored chunks.
func buildCodec(dataDir, hexKey string, plaintext bool) (*codec.Codec, error) {
	if plaintext {
		logger.Warn().Msg("chunk encryption disabled, storing plaintext")
		return codec.NewPlaintext(), nil
	}

	if hexKey == "" {
		var err error
		hexKey, err = loadOrGenerateKey(filepath.Join(dataDir, "chunk.key"))
		if err != nil {
			return nil, err
		}
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return codec.New(key)
}

// loadOrGenerateKey reads the hex key at path, creating it on first run.
func loadOrGenerateKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate encryption key: %w", err)
	}
	hexKey := hex.EncodeToString(key)
	if err := os.WriteFile(path, []byte(hexKey+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persist key file: %w", err)
	}
	logger.Info().Str("path", path).Msg("generated chunk encryption key")
	return hexKey, nil
}

// cleanupTasks periodically removes finished tasks past retention.
func cleanupTasks(ctx context.Context, queue taskqueue.Queue, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := queue.Cleanup(ctx, retention)
			if err != nil {
				logger.Warn().Err(err).Msg("task cleanup failed")
				continue
			}
			if removed > 0 {
				logger.Debug().Int("removed", removed).Msg("cleaned up finished tasks")
			}
		}
	}
}
