package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/cenwadike/dan/internal/wire"
)

// GoldenSuffix is appended to a scenario name to form its golden file name.
const GoldenSuffix = ".golden"

// ErrGoldenMismatch is returned by CompareGolden when the snapshot differs.
var ErrGoldenMismatch = errors.New("snapshot does not match golden file")

// TraceSnapshot captures what a scenario run produced. It is serialized
// with canonical JSON so equal runs produce equal bytes.
type TraceSnapshot struct {
	ScenarioName string            `json:"scenario_name"`
	Trace        []TraceEvent      `json:"trace"`
	Balances     map[string]uint64 `json:"balances"`
	Digest       string            `json:"digest"`
}

// Snapshot serializes the result of running scenario.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	return wire.MarshalCanonical(TraceSnapshot{
		ScenarioName: scenario.Name,
		Trace:        result.Trace,
		Balances:     result.Balances,
		Digest:       result.Digest,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// dir/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, dir string) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario, result, dir); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result, dir string) error {
	t.Helper()

	data, err := Snapshot(scenario, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(dir),
		goldie.WithNameSuffix(GoldenSuffix),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}

// CompareGolden checks data against dir/name.golden outside of tests.
// With update set the file is rewritten instead.
func CompareGolden(dir, name string, data []byte, update bool) error {
	path := filepath.Join(dir, name+GoldenSuffix)
	if update {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create golden dir: %w", err)
		}
		return os.WriteFile(path, data, 0o644)
	}
	want, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read golden file: %w", err)
	}
	if !bytes.Equal(bytes.TrimSpace(want), bytes.TrimSpace(data)) {
		return fmt.Errorf("%w: %s", ErrGoldenMismatch, path)
	}
	return nil
}
