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

package cmd

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gpusvm/pkg/metric"
	"gvisor.dev/gpusvm/svmsim/cmd/util"
	"gvisor.dev/gpusvm/svmsim/config"
)

// metricPrefix is the default prefix of exported metric names.
const metricPrefix = "svmsim_"

// MetricExport implements subcommands.Command for the "export-metrics"
// command.
type MetricExport struct {
	exporterPrefix string
}

// Name implements subcommands.Command.Name.
func (*MetricExport) Name() string {
	return "export-metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MetricExport) Synopsis() string {
	return "export fault-servicing metric data of a scenario run"
}

// Usage implements subcommands.Command.Usage.
func (*MetricExport) Usage() string {
	return `export-metrics [-exporter-prefix=<svmsim_>] <scenario.toml> - runs the scenario and prints metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MetricExport) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", metricPrefix, "Prefix for all metric names, following Prometheus exporter convention")
}

// Execute implements subcommands.Command.Execute.
func (m *MetricExport) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if _, err := runScenario(ctx, conf, f.Arg(0)); err != nil {
		util.Fatalf("%v", err)
	}
	if err := metric.WritePrometheus(os.Stdout, m.exporterPrefix); err != nil {
		util.Fatalf("Cannot write metrics to stdout: %v", err)
	}
	return subcommands.ExitSuccess
}
