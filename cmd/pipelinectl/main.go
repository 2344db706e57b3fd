// Command pipelinectl is a thin smoke-test driver for the executor: it
// loads a config file, wires up the scheduler/cache/executor stack it
// describes, runs a small built-in three-node DAG through it, and prints
// the execution order, each node's final state, and the accumulated
// metrics. It is not a general-purpose CLI
// for authoring or submitting arbitrary pipelines — that surface is out
// of scope here, the way the teacher's own cmd/ package defers DAG
// authoring to its YAML front end rather than a flag-driven builder.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/dagucloud/pipeline/internal/backoff"
	"github.com/dagucloud/pipeline/internal/cache"
	"github.com/dagucloud/pipeline/internal/config"
	"github.com/dagucloud/pipeline/internal/dag"
	"github.com/dagucloud/pipeline/internal/executor"
	"github.com/dagucloud/pipeline/internal/filelock"
	"github.com/dagucloud/pipeline/internal/logging"
	"github.com/dagucloud/pipeline/internal/policy"
	"github.com/dagucloud/pipeline/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to a pipeline YAML config (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "pipelinectl:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logLevel(cfg.LogLevel), nil)
	logger.Info("pipelinectl starting", "cache_backend", string(cfg.Cache.Backend), "max_workers", cfg.Scheduler.MaxWorkers)

	backend, err := buildBackend(cfg.Cache)
	if err != nil {
		return fmt.Errorf("build cache backend: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		MaxWorkers: cfg.Scheduler.MaxWorkers,
		MaxCPU:     cfg.Scheduler.MaxCPU,
		MaxGPU:     cfg.Scheduler.MaxGPU,
	})

	opts := []executor.Option{
		executor.WithScheduler(sched),
		executor.WithLogger(logger),
		executor.WithRetryPolicy(executor.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			TimeoutS:   cfg.Retry.TimeoutS,
			BackoffS:   cfg.Retry.BackoffS,
			Strategy:   backoff.Strategy(cfg.Retry.BackoffStrategy),
		}),
		executor.WithNamespace("pipelinectl", "demo"),
		executor.WithPolicy(policy.New(map[string]any{"scale": 2.0})),
	}
	if backend != nil {
		opts = append(opts, executor.WithCache(cache.NewDagCache(backend, jsonCodec{})))
	}

	exec := executor.New(opts...)

	result, err := exec.Run(context.Background(), numberState{Value: 1}, demoSpecs(), nil)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	printSummary(result)
	return nil
}

func logLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildBackend(c config.Cache) (cache.Backend, error) {
	switch c.Backend {
	case config.CacheBackendNone:
		return nil, nil
	case config.CacheBackendMemory:
		return cache.NewMemoryBackend(), nil
	case config.CacheBackendDisk:
		return cache.NewDiskBackend(c.Root)
	case config.CacheBackendSharedDisk:
		disk, err := cache.NewDiskBackend(c.Root)
		if err != nil {
			return nil, err
		}
		return cache.NewSharedDiskBackend(disk, &filelock.LockOptions{}), nil
	case config.CacheBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisURL})
		return cache.NewRedisBackend(client, c.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", c.Backend)
	}
}

// numberState is the smoke test's only State implementation: a single
// float64 threaded through each stage.
type numberState struct {
	Value float64 `json:"value"`
}

func (s numberState) DeepCopy() dag.State  { return s }
func (s numberState) HashableRepr() []byte { return []byte(fmt.Sprintf("%.10f", s.Value)) }

// jsonCodec round-trips numberState through JSON for the cache backends,
// which only know how to persist opaque byte blobs.
type jsonCodec struct{}

func (jsonCodec) Encode(state any) ([]byte, error) { return json.Marshal(state) }

func (jsonCodec) Decode(data []byte) (any, error) {
	var s numberState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return dag.State(s), nil
}

// arithmeticConfig is the smoke test's StageConfig: a single named
// operand, hashed via its own canonical JSON rather than the generic
// struct-marshal fallback, so a stage's cache key changes exactly when
// its operand does.
type arithmeticConfig struct {
	Op      string
	Operand float64
}

func (c arithmeticConfig) CanonicalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Op      string  `json:"op"`
		Operand float64 `json:"operand"`
	}{c.Op, c.Operand})
}

func (c arithmeticConfig) Name() string            { return c.Op }
func (c arithmeticConfig) Tags() map[string]string { return map[string]string{"kind": "arithmetic"} }

// arithmeticStage applies its config's operation and reports the running
// value as a metric, scaled by the run's policy bag when present.
type arithmeticStage struct {
	id  string
	cfg arithmeticConfig
}

func (s arithmeticStage) Process(state dag.State, p *policy.Bag) (dag.StageResult, error) {
	in, _ := state.(numberState)
	var out float64
	switch s.cfg.Op {
	case "add":
		out = in.Value + s.cfg.Operand
	case "multiply":
		out = in.Value * s.cfg.Operand
	default:
		return dag.StageResult{}, fmt.Errorf("arithmeticStage %s: unknown op %q", s.id, s.cfg.Op)
	}

	scale, _ := p.Get("scale", 1.0).(float64)
	return dag.StageResult{
		State:   numberState{Value: out},
		Metrics: map[string]any{"value": out, "scaled_value": out * scale},
	}, nil
}

func (s arithmeticStage) EstimatedCost() float64             { return 1 }
func (s arithmeticStage) ParallelisableOver() (string, bool) { return "", false }
func (s arithmeticStage) Name() string                       { return s.id }
func (s arithmeticStage) Version() string                    { return "v1" }
func (s arithmeticStage) Config() dag.StageConfig             { return s.cfg }

// demoSpecs builds a tiny three-node DAG: two independent transforms of
// the initial value, joined by a selector that sums both branches.
func demoSpecs() []dag.NodeSpec {
	return []dag.NodeSpec{
		{
			ID: "double", OpName: "multiply", Version: "v1",
			Stage: arithmeticStage{id: "double", cfg: arithmeticConfig{Op: "multiply", Operand: 2}},
		},
		{
			ID: "increment", OpName: "add", Version: "v1",
			Stage: arithmeticStage{id: "increment", cfg: arithmeticConfig{Op: "add", Operand: 10}},
		},
		{
			ID:      "combine",
			Deps:    []string{"double", "increment"},
			OpName:  "add",
			Version: "v1",
			Stage:   arithmeticStage{id: "combine", cfg: arithmeticConfig{Op: "add", Operand: 0}},
			InputSelector: func(deps dag.DagState, initial dag.State) (dag.State, error) {
				left, _ := deps.Get("double").(numberState)
				right, _ := deps.Get("increment").(numberState)
				return numberState{Value: left.Value + right.Value}, nil
			},
		},
	}
}

func printSummary(result *executor.Result) {
	fmt.Println("execution_order:", result.ExecutionOrder)
	for _, id := range result.ExecutionOrder {
		r := result.Results[id]
		fmt.Printf("  %-10s state=%v\n", id, r.State)
	}
	fmt.Println("metrics:")
	for k, v := range result.Accumulator.Metrics {
		fmt.Printf("  %s = %v\n", k, v)
	}
}
