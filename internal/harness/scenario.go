package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cenwadike/dan/internal/runtime"
)

// DefaultStart is the clock reading a scenario starts at unless it sets one.
const DefaultStart int64 = 1_700_000_000

// Scenario is a scripted run: a genesis, setup steps that must succeed,
// flow steps with expected outcomes, and assertions on the result.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario shows.
	Description string `yaml:"description"`

	// Start is the initial clock reading. Zero means DefaultStart.
	Start int64 `yaml:"start,omitempty"`

	// LamportsPerByte sets rent. Zero means the runtime default.
	LamportsPerByte uint64 `yaml:"lamports_per_byte,omitempty"`

	Genesis Genesis `yaml:"genesis"`

	// Setup steps run before the flow and must all succeed.
	Setup []Step `yaml:"setup,omitempty"`

	Flow []Step `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// Genesis funds named wallets and creates templates before anything runs.
type Genesis struct {
	Wallets   map[string]uint64 `yaml:"wallets"`
	Templates []TemplateSeed    `yaml:"templates,omitempty"`
}

// TemplateSeed is a genesis template owned by a named wallet.
type TemplateSeed struct {
	ID           string `yaml:"id"`
	Creator      string `yaml:"creator"`
	Name         string `yaml:"name,omitempty"`
	BaseBehavior string `yaml:"base_behavior,omitempty"`
}

// Step submits one instruction.
type Step struct {
	// Invoke is the instruction name.
	Invoke string `yaml:"invoke"`

	// Payer names the paying wallet. It always signs.
	Payer string `yaml:"payer"`

	// Signers names additional signing wallets.
	Signers []string `yaml:"signers,omitempty"`

	// Accounts maps account roles to account references.
	Accounts map[string]string `yaml:"accounts,omitempty"`

	// Args are the instruction arguments after expansion.
	Args map[string]any `yaml:"args"`

	// Advance moves the clock forward by this many seconds first.
	Advance int64 `yaml:"advance,omitempty"`

	// Expect is the expected outcome. Nil means status ok.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is the expected receipt of a step.
type Expect struct {
	Status string `yaml:"status"`
	Code   string `yaml:"code,omitempty"`
}

// Assertion checks the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Instruction is used by trace_contains and trace_count.
	Instruction string `yaml:"instruction,omitempty"`

	// Status narrows trace_contains and trace_count to one receipt status.
	Status string `yaml:"status,omitempty"`

	// Args is a subset match on expanded arguments (trace_contains).
	Args map[string]any `yaml:"args,omitempty"`

	// Instructions is the expected order (trace_order).
	Instructions []string `yaml:"instructions,omitempty"`

	// Event is the event name (event_count).
	Event string `yaml:"event,omitempty"`

	// Count is the expected number of occurrences.
	Count int `yaml:"count,omitempty"`

	// Account is an account reference (balance, exists).
	Account string `yaml:"account,omitempty"`

	// Equals is the expected balance.
	Equals *uint64 `yaml:"equals,omitempty"`

	// Exists is the expected presence.
	Exists *bool `yaml:"exists,omitempty"`

	// Table, Where and Expect describe a final_state row.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertEventCount    = "event_count"
	AssertBalance       = "balance"
	AssertExists        = "exists"
	AssertConservation  = "conservation"
	AssertFinalState    = "final_state"
)

var validStatuses = map[string]bool{
	runtime.StatusOK:       true,
	runtime.StatusFailed:   true,
	runtime.StatusRejected: true,
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files under dir whose base name
// matches filter, a glob. An empty filter matches everything.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Genesis.Wallets) == 0 {
		return fmt.Errorf("genesis.wallets is required and must be non-empty")
	}
	for i, t := range s.Genesis.Templates {
		if t.ID == "" {
			return fmt.Errorf("genesis.templates[%d]: id is required", i)
		}
		if _, ok := s.Genesis.Wallets[t.Creator]; !ok {
			return fmt.Errorf("genesis.templates[%d]: creator %q is not a genesis wallet", i, t.Creator)
		}
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateStep(fmt.Sprintf("setup[%d]", i), step); err != nil {
			return err
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps cannot expect an outcome", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(fmt.Sprintf("flow[%d]", i), step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(where string, step Step) error {
	if step.Invoke == "" {
		return fmt.Errorf("%s: invoke is required", where)
	}
	if step.Payer == "" {
		return fmt.Errorf("%s: payer is required", where)
	}
	if step.Args == nil {
		return fmt.Errorf("%s: args is required (use empty map if no args)", where)
	}
	if step.Advance < 0 {
		return fmt.Errorf("%s: advance must be non-negative", where)
	}
	if step.Expect != nil && !validStatuses[step.Expect.Status] {
		return fmt.Errorf("%s.expect: status must be ok, failed or rejected", where)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Status != "" && !validStatuses[a.Status] {
		return fmt.Errorf("assertions[%d]: unknown status %q", index, a.Status)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Instruction == "" {
			return fmt.Errorf("assertions[%d]: instruction is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Instructions) == 0 {
			return fmt.Errorf("assertions[%d]: instructions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Instruction == "" {
			return fmt.Errorf("assertions[%d]: instruction is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertBalance:
		if a.Account == "" || a.Equals == nil {
			return fmt.Errorf("assertions[%d]: account and equals are required for balance", index)
		}
	case AssertExists:
		if a.Account == "" || a.Exists == nil {
			return fmt.Errorf("assertions[%d]: account and exists are required for exists", index)
		}
	case AssertConservation:
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
