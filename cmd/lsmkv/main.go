// Command lsmkv is a small front-end over the store: point operations,
// range scans, manual compaction and a workload benchmark.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/intellect4all/lsmkv/common"
	"github.com/intellect4all/lsmkv/common/benchmark"
	"github.com/intellect4all/lsmkv/lsm"
)

// Resolve DB path: flag > env > default
func defaultDBPath() string {
	if path := os.Getenv("LSMKV_PATH"); path != "" {
		return path
	}
	return "./lsmkv-data"
}

func openDB(c *cli.Command) (*lsm.DB, error) {
	cfg := lsm.DefaultConfig(c.String("dir"))
	cfg.SyncOnWrite = !c.Bool("nosync")
	if c.Bool("verbose") {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		cfg.Logger = logger
	}
	return lsm.Open(cfg)
}

func main() {
	cmd := &cli.Command{
		Name:  "lsmkv",
		Usage: "embedded ordered key-value store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "database directory",
				Value:   defaultDBPath(),
			},
			&cli.BoolFlag{
				Name:  "nosync",
				Usage: "skip fsync on WAL appends (faster, less durable)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable engine logging",
			},
		},
		Commands: []*cli.Command{
			putCommand(),
			getCommand(),
			deleteCommand(),
			scanCommand(),
			compactCommand(),
			statsCommand(),
			benchCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "store a key-value pair",
		ArgsUsage: "<key> <value>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return errors.New("usage: put <key> <value>")
			}
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Put([]byte(c.Args().Get(0)), []byte(c.Args().Get(1)))
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "look up a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return errors.New("usage: get <key>")
			}
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()

			value, found, err := db.Get([]byte(c.Args().Get(0)))
			if err != nil {
				return err
			}
			if !found {
				return common.ErrKeyNotFound
			}
			fmt.Println(string(value))
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "delete a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return errors.New("usage: delete <key>")
			}
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Delete([]byte(c.Args().Get(0)))
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "list key-value pairs in ascending key order",
		ArgsUsage: "[start-key]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "maximum number of pairs to print (0 = all)",
				Value: 0,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()

			var start []byte
			if c.Args().Len() > 0 {
				start = []byte(c.Args().Get(0))
			}
			it, err := db.Scan(start)
			if err != nil {
				return err
			}
			limit := int(c.Int("limit"))
			printed := 0
			for ; it.Valid(); it.Next() {
				fmt.Printf("%s\t%s\n", it.Key(), it.Value())
				printed++
				if limit > 0 && printed >= limit {
					break
				}
			}
			return nil
		},
	}
}

func compactCommand() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "merge all L0 sstables into L1",
		Action: func(ctx context.Context, c *cli.Command) error {
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.CompactL0ToL1(); err != nil {
				return err
			}
			fmt.Printf("L0=%d L1=%d\n", db.LevelSize(0), db.LevelSize(1))
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print engine statistics",
		Action: func(ctx context.Context, c *cli.Command) error {
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()

			memRecords, memBytes, l0, l1, _, _, _, _ := db.Stats()
			fmt.Printf("memtable: %d records, %d bytes\n", memRecords, memBytes)
			fmt.Printf("L0: %d files\n", l0)
			fmt.Printf("L1: %d files\n", l1)
			return nil
		},
	}
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "run a synthetic workload",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "duration",
				Usage: "measured window",
				Value: 10 * time.Second,
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "number of workers",
				Value: 4,
			},
			&cli.StringFlag{
				Name:  "workload",
				Usage: "write-heavy, read-heavy, balanced, read-only, write-only",
				Value: string(benchmark.WorkloadBalanced),
			},
			&cli.StringFlag{
				Name:  "distribution",
				Usage: "uniform, zipfian, sequential, latest",
				Value: string(benchmark.DistUniform),
			},
			&cli.IntFlag{
				Name:  "keys",
				Usage: "unique key count",
				Value: 100000,
			},
			&cli.IntFlag{
				Name:  "value-size",
				Usage: "value size in bytes",
				Value: 128,
			},
			&cli.IntFlag{
				Name:  "preload",
				Usage: "keys to load before measuring",
				Value: 10000,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := lsm.DefaultConfig(c.String("dir"))
			cfg.SyncOnWrite = !c.Bool("nosync")
			engine, err := lsm.NewAdapter(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			benchCfg := benchmark.Config{
				Name:            fmt.Sprintf("%s/%s", c.String("workload"), c.String("distribution")),
				WorkloadType:    benchmark.WorkloadType(c.String("workload")),
				KeyDistribution: benchmark.KeyDistribution(c.String("distribution")),
				NumKeys:         int(c.Int("keys")),
				KeySize:         20,
				ValueSize:       int(c.Int("value-size")),
				Duration:        c.Duration("duration"),
				Concurrency:     int(c.Int("concurrency")),
				PreloadKeys:     int(c.Int("preload")),
				Seed:            1,
			}

			result, err := benchmark.NewBenchmark(engine, benchCfg).Run(ctx)
			if err != nil {
				return err
			}
			benchmark.PrintResult(os.Stdout, result)
			return nil
		},
	}
}
