package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/erigontech/erigon-lib/log/v3"
	jsoniter "github.com/json-iterator/go"

	"erigon-bus-mapping/builder"
	"erigon-bus-mapping/config"
	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/tracer"
)

var args struct {
	Config    string   `arg:"-c,--config" help:"TOML configuration file"`
	Verbosity string   `arg:"-v,--verbosity" help:"Log level (crit, error, warn, info, debug, trace), overrides the config"`
	Dump      bool     `arg:"-d,--dump" help:"Print every operation in RWC order as JSON lines"`
	Sorted    bool     `arg:"--sorted" help:"With --dump, print in state circuit order instead"`
	Files     []string `arg:"positional,required" help:"Block trace JSON files"`
}

type dumpRow struct {
	RWC        int          `json:"rwc"`
	RW         string       `json:"rw"`
	Target     string       `json:"target"`
	Reversible bool         `json:"reversible,omitempty"`
	Op         operation.Op `json:"op"`
}

func main() {
	arg.MustParse(&args)

	cfg, err := config.Load(args.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if args.Verbosity != "" {
		cfg.Log.Level = args.Verbosity
	}
	lvl, err := cfg.LogLevel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid verbosity: %v\n", err)
		os.Exit(1)
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StderrHandler))
	logger := log.Root()

	traces := make([]*tracer.BlockTrace, 0, len(args.Files))
	for _, path := range args.Files {
		bt, err := loadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			os.Exit(1)
		}
		traces = append(traces, bt)
	}

	blocks, err := builder.BuildBlocks(context.Background(), cfg.Builder, traces, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building witness: %v\n", err)
		os.Exit(1)
	}

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	for _, block := range blocks {
		fmt.Printf("block %d: %d txs, %d operations\n", block.Number, len(block.Txs), block.Container.Len())
		counts := block.Container.Counts()
		for _, target := range operation.Targets {
			if n := counts[target]; n > 0 {
				fmt.Printf("  %-20s %d\n", target, n)
			}
		}
		if !args.Dump {
			continue
		}
		rows := block.Container.Rows()
		if args.Sorted {
			rows = block.Container.SortedRows()
		}
		for _, r := range rows {
			err := enc.Encode(dumpRow{
				RWC:        r.RWC,
				RW:         r.RW.String(),
				Target:     r.Ref.Target.String(),
				Reversible: r.Reversible,
				Op:         r.Op,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error writing operations: %v\n", err)
				os.Exit(1)
			}
		}
	}

	if cfg.Metrics.Enabled {
		fmt.Println("metrics:")
		for _, target := range operation.Targets {
			fmt.Printf("  bus_mapping_operations{target=%q} %.0f\n", target.String(), builder.OperationsCounter(target).GetValue())
		}
	}
}

func loadFile(path string) (*tracer.BlockTrace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tracer.LoadBlockTrace(f)
}
