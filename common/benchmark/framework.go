// Package benchmark drives synthetic workloads against a
// common.StorageEngine and reports throughput and latency.
package benchmark

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/intellect4all/lsmkv/common"
)

// WorkloadType defines the access pattern
type WorkloadType string

const (
	WorkloadWriteHeavy WorkloadType = "write-heavy" // 95% writes
	WorkloadReadHeavy  WorkloadType = "read-heavy"  // 95% reads
	WorkloadBalanced   WorkloadType = "balanced"    // 50/50
	WorkloadReadOnly   WorkloadType = "read-only"   // 100% reads
	WorkloadWriteOnly  WorkloadType = "write-only"  // 100% writes
)

// Config defines a benchmark scenario
type Config struct {
	Name string

	WorkloadType    WorkloadType
	KeyDistribution KeyDistribution

	NumKeys   int // Total unique keys in dataset
	KeySize   int // Bytes
	ValueSize int // Bytes

	Duration    time.Duration // How long to run
	Concurrency int           // Number of concurrent workers

	PreloadKeys int // Keys to load before benchmark starts

	Seed int64
}

// Result captures what one benchmark run measured.
type Result struct {
	Config Config

	// Throughput
	TotalOps  int64
	WriteOps  int64
	ReadOps   int64
	ErrorOps  int64
	Duration  time.Duration
	OpsPerSec float64

	// Latency
	WriteLatency LatencyStats
	ReadLatency  LatencyStats

	// Engine state after the run
	EngineStats common.Stats
	// Flushes and compactions that happened during the measured window
	Flushes     int64
	Compactions int64
}

// Benchmark runs one scenario against one engine.
type Benchmark struct {
	engine common.StorageEngine
	config Config

	writeLatencies *LatencyHistogram
	readLatencies  *LatencyHistogram

	writeCount atomic.Int64
	readCount  atomic.Int64
	errorCount atomic.Int64

	keyGen *KeyGenerator

	opSeq atomic.Int64
}

// NewBenchmark creates a benchmark for engine with the given scenario.
func NewBenchmark(engine common.StorageEngine, config Config) *Benchmark {
	return &Benchmark{
		engine:         engine,
		config:         config,
		writeLatencies: NewLatencyHistogram(),
		readLatencies:  NewLatencyHistogram(),
		keyGen:         NewKeyGenerator(config.NumKeys, config.KeySize, config.KeyDistribution, config.Seed),
	}
}

// Run executes the benchmark: preload, a short unmeasured warm-up,
// then the measured window.
func (b *Benchmark) Run(ctx context.Context) (*Result, error) {
	if b.config.PreloadKeys > 0 {
		fmt.Printf("Preloading %d keys...\n", b.config.PreloadKeys)
		if err := b.preload(); err != nil {
			return nil, err
		}
	}

	fmt.Println("Warming up...")
	if err := b.runWorkload(ctx, 2*time.Second); err != nil {
		return nil, err
	}

	// Reset metrics after warm-up
	b.writeLatencies = NewLatencyHistogram()
	b.readLatencies = NewLatencyHistogram()
	b.writeCount.Store(0)
	b.readCount.Store(0)
	b.errorCount.Store(0)

	fmt.Printf("Running %s for %v...\n", b.config.Name, b.config.Duration)
	startStats := b.engine.Stats()
	startTime := time.Now()

	if err := b.runWorkload(ctx, b.config.Duration); err != nil {
		return nil, err
	}

	duration := time.Since(startTime)
	endStats := b.engine.Stats()

	writeOps := b.writeCount.Load()
	readOps := b.readCount.Load()
	totalOps := writeOps + readOps

	return &Result{
		Config:       b.config,
		TotalOps:     totalOps,
		WriteOps:     writeOps,
		ReadOps:      readOps,
		ErrorOps:     b.errorCount.Load(),
		Duration:     duration,
		OpsPerSec:    float64(totalOps) / duration.Seconds(),
		WriteLatency: b.writeLatencies.Stats(),
		ReadLatency:  b.readLatencies.Stats(),
		EngineStats:  endStats,
		Flushes:      endStats.FlushCount - startStats.FlushCount,
		Compactions:  endStats.CompactCount - startStats.CompactCount,
	}, nil
}

// preload fills the engine with sequential keys before measuring.
func (b *Benchmark) preload() error {
	value := make([]byte, b.config.ValueSize)
	rand.Read(value)

	for i := 0; i < b.config.PreloadKeys; i++ {
		key := b.keyGen.KeyAt(i)
		if err := b.engine.Put(key, value); err != nil {
			return err
		}
		if i > 0 && i%10000 == 0 {
			fmt.Printf("  loaded %d keys\n", i)
		}
	}
	return b.engine.Sync()
}

// runWorkload drives Concurrency workers for the given duration.
func (b *Benchmark) runWorkload(ctx context.Context, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < b.config.Concurrency; i++ {
		g.Go(func() error {
			value := make([]byte, b.config.ValueSize)
			rand.Read(value)
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
					if b.shouldWrite() {
						b.doWrite(value)
					} else {
						b.doRead()
					}
				}
			}
		})
	}
	return g.Wait()
}

func (b *Benchmark) shouldWrite() bool {
	switch b.config.WorkloadType {
	case WorkloadWriteOnly:
		return true
	case WorkloadReadOnly:
		return false
	case WorkloadWriteHeavy:
		return b.opFraction() < 0.95
	case WorkloadReadHeavy:
		return b.opFraction() < 0.05
	default:
		return b.opFraction() < 0.50
	}
}

func (b *Benchmark) doWrite(value []byte) {
	key := b.keyGen.NextKey()

	start := time.Now()
	err := b.engine.Put(key, value)
	latency := time.Since(start)

	if err != nil {
		b.errorCount.Add(1)
		return
	}
	b.writeLatencies.Record(latency)
	b.writeCount.Add(1)
}

func (b *Benchmark) doRead() {
	key := b.keyGen.NextKey()

	start := time.Now()
	_, err := b.engine.Get(key)
	latency := time.Since(start)

	if err != nil && !errors.Is(err, common.ErrKeyNotFound) {
		b.errorCount.Add(1)
		return
	}
	b.readLatencies.Record(latency)
	b.readCount.Add(1)
}

func (b *Benchmark) opFraction() float64 {
	return float64(b.opSeq.Add(1)%10000) / 10000.0
}
