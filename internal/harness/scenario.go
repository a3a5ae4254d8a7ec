package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/decksync/internal/model"
)

// Scenario defines one end-to-end sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Decks maps deck names to the deck codes used for them, so runs are
	// reproducible. Decks not listed get a random code on first push.
	Decks map[string]string `yaml:"decks,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final server and local state.
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is a single step. Exactly one action field must be set.
type FlowStep struct {
	// As names the acting user for add, edit, push, pull, clone, sync and forget.
	As string `yaml:"as,omitempty"`

	Add    *CardSpec `yaml:"add,omitempty"`
	Edit   *CardSpec `yaml:"edit,omitempty"`
	Push   string    `yaml:"push,omitempty"`
	Pull   string    `yaml:"pull,omitempty"`
	Clone  string    `yaml:"clone,omitempty"`
	Sync   string    `yaml:"sync,omitempty"`
	Forget string    `yaml:"forget,omitempty"`

	Grant    *GrantSpec    `yaml:"grant,omitempty"`
	Register *RegisterSpec `yaml:"register,omitempty"`
	RawPush  *RawPush      `yaml:"raw_push,omitempty"`
	RawPull  *RawPull      `yaml:"raw_pull,omitempty"`
	RawClone *RawClone     `yaml:"raw_clone,omitempty"`

	// Expect checks the step's outcome. Nil means the step only has to
	// run without error.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// CardSpec describes a Basic note. Modified 0 takes the next clock tick.
type CardSpec struct {
	Deck     string   `yaml:"deck"`
	Front    string   `yaml:"front"`
	Back     string   `yaml:"back"`
	Modified int64    `yaml:"modified,omitempty"`
	UID      string   `yaml:"uid,omitempty"`
	Tags     []string `yaml:"tags,omitempty"`
}

// GrantSpec grants a role on a deck.
type GrantSpec struct {
	Deck string `yaml:"deck"`
	User string `yaml:"user"`
	Role string `yaml:"role"`
}

// RegisterSpec records deck metadata and a creator without any cards.
type RegisterSpec struct {
	Deck    string `yaml:"deck"`
	Name    string `yaml:"name"`
	Creator string `yaml:"creator"`
}

// RawPush sends a batch over the wire as-is.
type RawPush struct {
	User  string     `yaml:"user"`
	Deck  string     `yaml:"deck"`
	Name  string     `yaml:"name,omitempty"`
	Cards []CardSpec `yaml:"cards"`
}

// RawPull requests the cards after Cursor.
type RawPull struct {
	User   string `yaml:"user"`
	Deck   string `yaml:"deck"`
	Cursor string `yaml:"cursor"`
}

// RawClone requests a whole deck.
type RawClone struct {
	User string `yaml:"user"`
	Deck string `yaml:"deck"`
}

// ExpectClause is a subset match against the step's trace entry.
type ExpectClause struct {
	OK       *bool  `yaml:"ok,omitempty"`
	Error    bool   `yaml:"error,omitempty"`
	Inserted *int   `yaml:"inserted,omitempty"`
	Updated  *int   `yaml:"updated,omitempty"`
	Skipped  *int   `yaml:"skipped,omitempty"`
	Received *int   `yaml:"received,omitempty"`
	Sent     *int   `yaml:"sent,omitempty"`
	Cursor   *int64 `yaml:"cursor,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	Type  string `yaml:"type"`
	User  string `yaml:"user,omitempty"`
	Deck  string `yaml:"deck"`
	Front string `yaml:"front,omitempty"`
	Back  string `yaml:"back,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertServerCount  = "server_count"
	AssertServerCard   = "server_card"
	AssertDistinctUIDs = "distinct_uids"
	AssertLocalCount   = "local_count"
	AssertLocalCard    = "local_card"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
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

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step FlowStep) error {
	op := step.op()
	if op == "" {
		return fmt.Errorf("exactly one action is required")
	}

	switch op {
	case opAdd, opEdit, opPush, opPull, opClone, opSync, opForget:
		if step.As == "" {
			return fmt.Errorf("%s: as is required", op)
		}
	}

	switch {
	case step.Add != nil:
		return validateCard(op, *step.Add)
	case step.Edit != nil:
		return validateCard(op, *step.Edit)
	case step.Grant != nil:
		if step.Grant.Deck == "" || step.Grant.User == "" {
			return fmt.Errorf("grant: deck and user are required")
		}
		if _, err := model.ParseRole(step.Grant.Role); err != nil {
			return fmt.Errorf("grant: %w", err)
		}
	case step.Register != nil:
		if step.Register.Deck == "" || step.Register.Creator == "" {
			return fmt.Errorf("register: deck and creator are required")
		}
	case step.RawPush != nil:
		if step.RawPush.User == "" || step.RawPush.Deck == "" {
			return fmt.Errorf("raw_push: user and deck are required")
		}
	case step.RawPull != nil:
		if step.RawPull.User == "" || step.RawPull.Deck == "" {
			return fmt.Errorf("raw_pull: user and deck are required")
		}
	case step.RawClone != nil:
		if step.RawClone.User == "" || step.RawClone.Deck == "" {
			return fmt.Errorf("raw_clone: user and deck are required")
		}
	}
	return nil
}

func validateCard(op string, c CardSpec) error {
	if c.Deck == "" || c.Front == "" {
		return fmt.Errorf("%s: deck and front are required", op)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	if a.Deck == "" {
		return fmt.Errorf("deck is required")
	}
	switch a.Type {
	case AssertServerCount, AssertDistinctUIDs:
	case AssertServerCard:
		if a.Front == "" {
			return fmt.Errorf("front is required for %s", a.Type)
		}
	case AssertLocalCount:
		if a.User == "" {
			return fmt.Errorf("user is required for %s", a.Type)
		}
	case AssertLocalCard:
		if a.User == "" || a.Front == "" {
			return fmt.Errorf("user and front are required for %s", a.Type)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// Step operation names, as they appear in traces.
const (
	opAdd      = "add"
	opEdit     = "edit"
	opPush     = "push"
	opPull     = "pull"
	opClone    = "clone"
	opSync     = "sync"
	opForget   = "forget"
	opGrant    = "grant"
	opRegister = "register"
	opRawPush  = "raw_push"
	opRawPull  = "raw_pull"
	opRawClone = "raw_clone"
)

// op returns the step's single action, or "" when none or several are set.
func (s FlowStep) op() string {
	set := map[string]bool{
		opAdd:      s.Add != nil,
		opEdit:     s.Edit != nil,
		opPush:     s.Push != "",
		opPull:     s.Pull != "",
		opClone:    s.Clone != "",
		opSync:     s.Sync != "",
		opForget:   s.Forget != "",
		opGrant:    s.Grant != nil,
		opRegister: s.Register != nil,
		opRawPush:  s.RawPush != nil,
		opRawPull:  s.RawPull != nil,
		opRawClone: s.RawClone != nil,
	}
	found := ""
	for name, ok := range set {
		if !ok {
			continue
		}
		if found != "" {
			return ""
		}
		found = name
	}
	return found
}
