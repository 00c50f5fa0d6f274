// Package workflow interprets state-machine definitions: a graph of named
// states (Task, Choice, Pass, Parallel, Fail, Succeed) walked from StartAt
// with a JSON-like data document threaded through every step.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stagegate/stagegate/internal/domain"
)

type StateType string

const (
	TypeTask     StateType = "Task"
	TypeChoice   StateType = "Choice"
	TypePass     StateType = "Pass"
	TypeParallel StateType = "Parallel"
	TypeFail     StateType = "Fail"
	TypeSucceed  StateType = "Succeed"
)

type Definition struct {
	Comment string            `json:"Comment,omitempty" yaml:"Comment,omitempty"`
	StartAt string            `json:"StartAt" yaml:"StartAt"`
	States  map[string]*State `json:"States" yaml:"States"`
}

type State struct {
	Type    StateType `json:"Type" yaml:"Type"`
	Comment string    `json:"Comment,omitempty" yaml:"Comment,omitempty"`
	Next    string    `json:"Next,omitempty" yaml:"Next,omitempty"`
	End     bool      `json:"End,omitempty" yaml:"End,omitempty"`

	// Task
	Resource   string         `json:"Resource,omitempty" yaml:"Resource,omitempty"`
	Parameters map[string]any `json:"Parameters,omitempty" yaml:"Parameters,omitempty"`
	ResultPath string         `json:"ResultPath,omitempty" yaml:"ResultPath,omitempty"`
	Retry      []RetryRule    `json:"Retry,omitempty" yaml:"Retry,omitempty"`
	Catch      []CatchRule    `json:"Catch,omitempty" yaml:"Catch,omitempty"`

	// Pass
	Result any `json:"Result,omitempty" yaml:"Result,omitempty"`

	// Choice
	Choices []ChoiceRule `json:"Choices,omitempty" yaml:"Choices,omitempty"`
	Default string       `json:"Default,omitempty" yaml:"Default,omitempty"`

	// Parallel
	Branches []Definition `json:"Branches,omitempty" yaml:"Branches,omitempty"`

	// Fail
	Error string `json:"Error,omitempty" yaml:"Error,omitempty"`
	Cause string `json:"Cause,omitempty" yaml:"Cause,omitempty"`
}

type ChoiceRule struct {
	Variable                 string   `json:"Variable" yaml:"Variable"`
	NumericLessThan          *float64 `json:"NumericLessThan,omitempty" yaml:"NumericLessThan,omitempty"`
	NumericGreaterThanEquals *float64 `json:"NumericGreaterThanEquals,omitempty" yaml:"NumericGreaterThanEquals,omitempty"`
	StringEquals             *string  `json:"StringEquals,omitempty" yaml:"StringEquals,omitempty"`
	BooleanEquals            *bool    `json:"BooleanEquals,omitempty" yaml:"BooleanEquals,omitempty"`
	Next                     string   `json:"Next" yaml:"Next"`
}

type RetryRule struct {
	ErrorEquals     []string `json:"ErrorEquals" yaml:"ErrorEquals"`
	IntervalSeconds float64  `json:"IntervalSeconds,omitempty" yaml:"IntervalSeconds,omitempty"`
	MaxAttempts     int      `json:"MaxAttempts,omitempty" yaml:"MaxAttempts,omitempty"`
	BackoffRate     float64  `json:"BackoffRate,omitempty" yaml:"BackoffRate,omitempty"`
}

type CatchRule struct {
	ErrorEquals []string `json:"ErrorEquals" yaml:"ErrorEquals"`
	Next        string   `json:"Next" yaml:"Next"`
	ResultPath  string   `json:"ResultPath,omitempty" yaml:"ResultPath,omitempty"`
}

// Parse decodes a JSON or YAML definition and validates it.
func Parse(data []byte) (Definition, error) {
	var def Definition
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &def); err != nil {
			return Definition{}, fmt.Errorf("decode definition: %v: %w", err, domain.ErrConfiguration)
		}
	} else if err := yaml.Unmarshal(trimmed, &def); err != nil {
		return Definition{}, fmt.Errorf("decode definition: %v: %w", err, domain.ErrConfiguration)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Validate checks that every transition names an existing state and that
// every state can leave or terminate.
func (d Definition) Validate() error {
	if err := d.validate(""); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrConfiguration)
	}
	return nil
}

func (d Definition) validate(scope string) error {
	if strings.TrimSpace(d.StartAt) == "" {
		return fmt.Errorf("%sStartAt is required", scope)
	}
	if _, ok := d.States[d.StartAt]; !ok {
		return fmt.Errorf("%sStartAt %q is not a state", scope, d.StartAt)
	}
	exists := func(name string) bool {
		_, ok := d.States[name]
		return ok
	}
	for _, name := range d.StateNames() {
		st := d.States[name]
		where := fmt.Sprintf("%sstate %q", scope, name)
		if st == nil {
			return fmt.Errorf("%s is empty", where)
		}
		switch st.Type {
		case TypeTask, TypePass, TypeParallel:
			if st.End == (st.Next != "") {
				return fmt.Errorf("%s must set exactly one of Next or End", where)
			}
		case TypeChoice:
			if len(st.Choices) == 0 {
				return fmt.Errorf("%s has no Choices", where)
			}
			for i, rule := range st.Choices {
				if rule.Variable == "" || !exists(rule.Next) {
					return fmt.Errorf("%s choice %d: Variable and a valid Next are required", where, i)
				}
				if rule.operators() != 1 {
					return fmt.Errorf("%s choice %d: exactly one comparison operator is required", where, i)
				}
			}
			if st.Default != "" && !exists(st.Default) {
				return fmt.Errorf("%s Default %q is not a state", where, st.Default)
			}
		case TypeFail, TypeSucceed:
		default:
			return fmt.Errorf("%s has unsupported Type %q", where, st.Type)
		}
		if st.Next != "" && !exists(st.Next) {
			return fmt.Errorf("%s Next %q is not a state", where, st.Next)
		}
		if st.Type == TypeTask && strings.TrimSpace(st.Resource) == "" {
			return fmt.Errorf("%s Resource is required", where)
		}
		for _, c := range st.Catch {
			if len(c.ErrorEquals) == 0 || !exists(c.Next) {
				return fmt.Errorf("%s catch: ErrorEquals and a valid Next are required", where)
			}
		}
		if st.Type == TypeParallel {
			if len(st.Branches) == 0 {
				return fmt.Errorf("%s has no Branches", where)
			}
			for i, b := range st.Branches {
				if err := b.validate(fmt.Sprintf("%s branch %d: ", where, i)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r ChoiceRule) operators() int {
	n := 0
	if r.NumericLessThan != nil {
		n++
	}
	if r.NumericGreaterThanEquals != nil {
		n++
	}
	if r.StringEquals != nil {
		n++
	}
	if r.BooleanEquals != nil {
		n++
	}
	return n
}

// StateNames returns the state names in lexical order.
func (d Definition) StateNames() []string {
	names := make([]string, 0, len(d.States))
	for name := range d.States {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resources lists every task resource referenced by the definition,
// including those inside parallel branches.
func (d Definition) Resources() []string {
	seen := map[string]struct{}{}
	var walk func(Definition)
	walk = func(def Definition) {
		for _, st := range def.States {
			if st == nil {
				continue
			}
			if st.Type == TypeTask {
				seen[st.Resource] = struct{}{}
			}
			for _, b := range st.Branches {
				walk(b)
			}
		}
	}
	walk(d)
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// JSON renders the definition in its canonical JSON form.
func (d Definition) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// YAML renders the definition as YAML.
func (d Definition) YAML() ([]byte, error) {
	return yaml.Marshal(d)
}
