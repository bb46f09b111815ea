package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of one or more terminals against a shared
// server.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario shows.
	Description string `yaml:"description"`

	// Terminals lists the terminal ids taking part.
	Terminals []string `yaml:"terminals"`

	// Setup seeds the server before any step runs.
	Setup Setup `yaml:"setup,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Setup is the server's starting state.
type Setup struct {
	Stock     map[string]int64 `yaml:"stock,omitempty"`
	Products  []Product        `yaml:"products,omitempty"`
	Customers []Customer       `yaml:"customers,omitempty"`
}

// Product is a catalog entry to seed.
type Product struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Price int64  `yaml:"price"`
}

// Customer is a server customer to seed.
type Customer struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email,omitempty"`
	Phone string `yaml:"phone,omitempty"`
}

// Step is one action on one terminal. Which fields apply depends on
// Action.
type Step struct {
	Terminal string `yaml:"terminal"`
	Action   string `yaml:"action"`

	User    string `yaml:"user,omitempty"`    // start_session
	Session string `yaml:"session,omitempty"` // start_session, end_session
	Lines   []Line `yaml:"lines,omitempty"`   // sale
	Sale    string `yaml:"sale,omitempty"`    // void
	Product string `yaml:"product,omitempty"` // adjust
	Delta   int64  `yaml:"delta,omitempty"`   // adjust
	Amount  int64  `yaml:"amount,omitempty"`  // start_session, end_session
	Reason  string `yaml:"reason,omitempty"`  // void, adjust
	Name    string `yaml:"name,omitempty"`    // customer
	Email   string `yaml:"email,omitempty"`   // customer
	Phone   string `yaml:"phone,omitempty"`   // customer

	// Expect is a subset of the cycle report (sync only).
	Expect map[string]int `yaml:"expect,omitempty"`

	// Error is the expected error class. Empty means the step must succeed.
	Error string `yaml:"error,omitempty"`
}

// Line is a sale line.
type Line struct {
	Product  string `yaml:"product"`
	Quantity int64  `yaml:"quantity"`
	Price    int64  `yaml:"price"`
}

// Step actions.
const (
	ActionSync         = "sync"
	ActionSale         = "sale"
	ActionVoid         = "void"
	ActionAdjust       = "adjust"
	ActionStartSession = "start_session"
	ActionEndSession   = "end_session"
	ActionCustomer     = "customer"
	ActionOffline      = "offline"
	ActionOnline       = "online"
	ActionRestart      = "restart"
	ActionRebuild      = "rebuild"
)

var knownActions = map[string]bool{
	ActionSync:         true,
	ActionSale:         true,
	ActionVoid:         true,
	ActionAdjust:       true,
	ActionStartSession: true,
	ActionEndSession:   true,
	ActionCustomer:     true,
	ActionOffline:      true,
	ActionOnline:       true,
	ActionRestart:      true,
	ActionRebuild:      true,
}

// Assertion checks final state.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	Terminal string `yaml:"terminal,omitempty"`
	Product  string `yaml:"product,omitempty"`
	Sale     string `yaml:"sale,omitempty"`
	Customer string `yaml:"customer,omitempty"`
	Kind     string `yaml:"kind,omitempty"` // server_annotations

	// Expect is the expected count or quantity.
	Expect *int64 `yaml:"expect,omitempty"`

	Status      string `yaml:"status,omitempty"`       // sale
	NeedsReview *bool  `yaml:"needs_review,omitempty"` // sale
	DuplicateOf string `yaml:"duplicate_of,omitempty"` // customer
}

// Assertion types.
const (
	AssertServerStock       = "server_stock"
	AssertServerSales       = "server_sales"
	AssertServerAnnotations = "server_annotations"
	AssertLocalStock        = "local_stock"
	AssertPending           = "pending"
	AssertDead              = "dead"
	AssertSale              = "sale"
	AssertCustomer          = "customer"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
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

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Terminals) == 0 {
		return fmt.Errorf("terminals list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	terminals := make(map[string]bool, len(s.Terminals))
	for _, id := range s.Terminals {
		if id == "" {
			return fmt.Errorf("terminal ids must be non-empty")
		}
		if terminals[id] {
			return fmt.Errorf("terminal %q listed twice", id)
		}
		terminals[id] = true
	}

	for i, step := range s.Steps {
		if !terminals[step.Terminal] {
			return fmt.Errorf("steps[%d]: unknown terminal %q", i, step.Terminal)
		}
		if !knownActions[step.Action] {
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
		if len(step.Expect) > 0 && step.Action != ActionSync {
			return fmt.Errorf("steps[%d]: expect is only valid for sync", i)
		}
		for key := range step.Expect {
			if _, ok := (&StepReport{}).field(key); !ok {
				return fmt.Errorf("steps[%d]: unknown report field %q", i, key)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, terminals); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion, terminals map[string]bool) error {
	needTerminal := func() error {
		if !terminals[a.Terminal] {
			return fmt.Errorf("assertions[%d]: unknown terminal %q for %s", index, a.Terminal, a.Type)
		}
		return nil
	}
	needExpect := func() error {
		if a.Expect == nil {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertServerStock:
		if a.Product == "" {
			return fmt.Errorf("assertions[%d]: product is required for server_stock", index)
		}
		return needExpect()
	case AssertServerSales:
		return needExpect()
	case AssertServerAnnotations:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for server_annotations", index)
		}
		return needExpect()
	case AssertLocalStock:
		if a.Product == "" {
			return fmt.Errorf("assertions[%d]: product is required for local_stock", index)
		}
		if err := needTerminal(); err != nil {
			return err
		}
		return needExpect()
	case AssertPending, AssertDead:
		if err := needTerminal(); err != nil {
			return err
		}
		return needExpect()
	case AssertSale:
		if a.Sale == "" {
			return fmt.Errorf("assertions[%d]: sale is required for sale", index)
		}
		if a.Status == "" && a.NeedsReview == nil {
			return fmt.Errorf("assertions[%d]: status or needs_review is required for sale", index)
		}
		return needTerminal()
	case AssertCustomer:
		if a.Customer == "" {
			return fmt.Errorf("assertions[%d]: customer is required for customer", index)
		}
		return needTerminal()
	}
	return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
}
