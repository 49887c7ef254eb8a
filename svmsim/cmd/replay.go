// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd holds implementations of the svmsim commands.
package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gpusvm/pkg/metric"
	"gvisor.dev/gpusvm/pkg/svm/sim"
	"gvisor.dev/gpusvm/svmsim/cmd/util"
	"gvisor.dev/gpusvm/svmsim/config"
	"gvisor.dev/gpusvm/svmsim/scenario"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	jsonOutput bool
	metrics    bool
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "service the GPU faults of a scenario file"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [flags] <scenario.toml> - runs every process of the scenario concurrently and prints the outcome of each.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.jsonOutput, "json", false, "print results as JSON.")
	f.BoolVar(&r.metrics, "metrics", false, "print fault-servicing metrics in Prometheus format after the results.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	results, err := runScenario(ctx, conf, f.Arg(0))
	if err != nil {
		util.Fatalf("%v", err)
	}

	if r.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			util.Fatalf("encoding results: %v", err)
		}
	} else {
		for i := range results {
			fmt.Fprintln(os.Stdout, &results[i])
		}
	}
	if r.metrics {
		if err := metric.WritePrometheus(os.Stdout, metricPrefix); err != nil {
			util.Fatalf("writing metrics: %v", err)
		}
	}

	for i := range results {
		if !results[i].OK() {
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

func runScenario(ctx context.Context, conf *config.Config, path string) ([]scenario.Result, error) {
	s, err := scenario.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	entries := uint32(conf.Entries)
	if entries == 0 {
		entries = sim.DefaultEntries
	}
	return scenario.Run(ctx, scenario.Options{SVM: conf.Options(), Entries: entries}, s)
}
