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
	"path/filepath"
	"testing"

	"gvisor.dev/gpusvm/svmsim/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(testFlags)
	conf, err := config.NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

func TestRunScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.toml")
	const contents = `
[[process]]
pid = 7
hole = { start = 0x40000000, end = 0x40100000 }

  [[process.region]]
  start = 0x10000000
  end = 0x10002000
  perms = "rw"

  [[process.fault]]
  addr = 0x10001000
  access = "write"
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	results, err := runScenario(context.Background(), testConfig(t), path)
	if err != nil {
		t.Fatalf("runScenario failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results got %d want 1", len(results))
	}
	if r := results[0]; r.Replayed != 1 || r.Mapped != 1 || r.Flushes != 1 {
		t.Errorf("result got %v want 1 replayed, 1 mapped and 1 flush", &r)
	}
}

func TestRunScenarioMissing(t *testing.T) {
	if _, err := runScenario(context.Background(), testConfig(t), filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("runScenario succeeded with a missing file")
	}
}
