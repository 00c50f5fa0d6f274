package workflow

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stagegate/stagegate/internal/domain"
)

func f64(v float64) *float64 { return &v }

func thresholdDefinition(threshold float64) Definition {
	return Definition{
		StartAt: "Evaluate",
		States: map[string]*State{
			"Evaluate": {
				Type:       TypeTask,
				Resource:   "score",
				ResultPath: "$.Evaluate",
				Next:       "Check",
				Catch:      []CatchRule{{ErrorEquals: []string{ErrorTaskFailed}, Next: "Failed"}},
			},
			"Check": {
				Type: TypeChoice,
				Choices: []ChoiceRule{{
					Variable:        "$.Evaluate.Payload.Result",
					NumericLessThan: f64(threshold),
					Next:            "Below",
				}},
				Default: "Above",
			},
			"Below":  {Type: TypeSucceed},
			"Above":  {Type: TypeFail, Error: "QualityThreshold", Cause: "too high"},
			"Failed": {Type: TypeFail, Error: "WorkflowFailed", Cause: "WorkflowFailed"},
		},
	}
}

func scoreTask(v float64) Task {
	return func(ctx context.Context, input map[string]any) (any, error) {
		return map[string]any{"Payload": map[string]any{"Result": v}}, nil
	}
}

func TestExecute_ThresholdBoundary(t *testing.T) {
	const threshold = 3.1
	cases := []struct {
		score float64
		want  string
	}{
		{score: 0.99 * threshold, want: "Below"},
		{score: threshold, want: "Above"},
		{score: threshold * 1.5, want: "Above"},
	}
	for _, tc := range cases {
		e := NewEngine(nil)
		e.Register("score", scoreTask(tc.score))
		res := e.Execute(context.Background(), thresholdDefinition(threshold), map[string]any{})
		if res.TerminalState != tc.want {
			t.Fatalf("score=%v terminal=%s, want %s (res=%+v)", tc.score, res.TerminalState, tc.want, res)
		}
	}
}

func TestExecute_TaskFailureIsCaught(t *testing.T) {
	e := NewEngine(nil)
	e.Register("score", func(ctx context.Context, input map[string]any) (any, error) {
		return nil, errors.New("endpoint unreachable")
	})
	res := e.Execute(context.Background(), thresholdDefinition(1), map[string]any{})
	if res.Status != domain.WorkflowFailed || res.TerminalState != "Failed" || res.Error != "WorkflowFailed" {
		t.Fatalf("res=%+v", res)
	}
	if got := strings.Join(res.Visited, ","); got != "Evaluate,Failed" {
		t.Fatalf("visited=%s", got)
	}
}

func TestExecute_PanicBecomesTaskFailure(t *testing.T) {
	e := NewEngine(nil)
	e.Register("score", func(ctx context.Context, input map[string]any) (any, error) {
		panic("nil endpoint")
	})
	res := e.Execute(context.Background(), thresholdDefinition(1), map[string]any{})
	if res.TerminalState != "Failed" {
		t.Fatalf("res=%+v", res)
	}
}

func parallelDefinition() Definition {
	branch := func(state, resource string) Definition {
		return Definition{StartAt: state, States: map[string]*State{
			state: {Type: TypeTask, Resource: resource, End: true},
		}}
	}
	return Definition{
		StartAt: "Finalize",
		States: map[string]*State{
			"Finalize": {
				Type:     TypeParallel,
				Branches: []Definition{branch("A", "a"), branch("B", "b")},
				End:      true,
				Catch:    []CatchRule{{ErrorEquals: []string{ErrorTaskFailed}, Next: "WorkflowFailed"}},
			},
			"WorkflowFailed": {Type: TypeFail, Cause: "WorkflowFailed"},
		},
	}
}

func TestExecute_ParallelBranchFailure(t *testing.T) {
	e := NewEngine(nil)
	var finished atomic.Bool
	e.Register("a", func(ctx context.Context, input map[string]any) (any, error) {
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		finished.Store(true)
		return "ok", nil
	})
	e.Register("b", func(ctx context.Context, input map[string]any) (any, error) { return nil, errors.New("register failed") })

	res := e.Execute(context.Background(), parallelDefinition(), map[string]any{})
	if res.Status != domain.WorkflowFailed || res.TerminalState != "WorkflowFailed" || res.Cause != "WorkflowFailed" {
		t.Fatalf("res=%+v", res)
	}
	if !finished.Load() {
		t.Fatal("branch a was cut short by branch b's failure")
	}
}

func TestExecute_ParallelSuccessCollectsResults(t *testing.T) {
	e := NewEngine(nil)
	e.Register("a", func(ctx context.Context, input map[string]any) (any, error) { return "a-done", nil })
	e.Register("b", func(ctx context.Context, input map[string]any) (any, error) { return "b-done", nil })

	res := e.Execute(context.Background(), parallelDefinition(), map[string]any{})
	if res.Status != domain.WorkflowSucceeded {
		t.Fatalf("res=%+v", res)
	}
	out, ok := res.Output.([]any)
	if !ok || len(out) != 2 || out[0] != "a-done" || out[1] != "b-done" {
		t.Fatalf("output=%#v", res.Output)
	}
}

func TestExecute_ParametersAndRetry(t *testing.T) {
	var calls atomic.Int32
	e := NewEngine(nil)
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	var got map[string]any
	e.Register("echo", func(ctx context.Context, input map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, &StateError{Name: "Endpoint.Throttled", Cause: "slow down"}
		}
		got = input
		return "done", nil
	})
	def := Definition{
		StartAt: "Call",
		States: map[string]*State{
			"Call": {
				Type:     TypeTask,
				Resource: "echo",
				Parameters: map[string]any{
					"Endpoint.$": "$$.Execution.Input.EndpointName",
					"Bucket":     "mlops",
					"Nested":     map[string]any{"Value.$": "$.value"},
				},
				Retry:      []RetryRule{{ErrorEquals: []string{"Endpoint.Throttled"}, IntervalSeconds: 1, MaxAttempts: 2, BackoffRate: 2}},
				ResultPath: "$.call",
				End:        true,
			},
		},
	}
	res := e.Execute(context.Background(), def, map[string]any{"EndpointName": "abalone-dev-endpoint", "value": 7.0})
	if res.Status != domain.WorkflowSucceeded {
		t.Fatalf("res=%+v", res)
	}
	if got["Endpoint"] != "abalone-dev-endpoint" || got["Bucket"] != "mlops" {
		t.Fatalf("params=%v", got)
	}
	if nested, _ := got["Nested"].(map[string]any); nested["Value"] != 7.0 {
		t.Fatalf("nested=%v", got["Nested"])
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Fatalf("slept=%v", slept)
	}
	out, _ := res.Output.(map[string]any)
	if out["call"] != "done" || out["EndpointName"] != "abalone-dev-endpoint" {
		t.Fatalf("output=%v", res.Output)
	}
}

func TestExecute_RetryExhausted(t *testing.T) {
	e := NewEngine(nil)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	var calls int
	e.Register("flaky", func(ctx context.Context, input map[string]any) (any, error) {
		calls++
		return nil, errors.New("boom")
	})
	def := Definition{StartAt: "T", States: map[string]*State{
		"T": {Type: TypeTask, Resource: "flaky", End: true, Retry: []RetryRule{{ErrorEquals: []string{ErrorAll}, MaxAttempts: 2}}},
	}}
	res := e.Execute(context.Background(), def, nil)
	if res.Status != domain.WorkflowFailed || res.Error != ErrorTaskFailed || calls != 3 {
		t.Fatalf("res=%+v calls=%d", res, calls)
	}
}

func TestExecute_ChoiceOperators(t *testing.T) {
	s := "prod"
	b := true
	def := Definition{StartAt: "Pick", States: map[string]*State{
		"Pick": {Type: TypeChoice, Choices: []ChoiceRule{
			{Variable: "$.stage", StringEquals: &s, Next: "Str"},
			{Variable: "$.flag", BooleanEquals: &b, Next: "Bool"},
			{Variable: "$.n", NumericGreaterThanEquals: f64(10), Next: "Num"},
		}},
		"Str":  {Type: TypeSucceed},
		"Bool": {Type: TypeSucceed},
		"Num":  {Type: TypeSucceed},
	}}
	cases := []struct {
		input map[string]any
		want  string
	}{
		{input: map[string]any{"stage": "prod", "flag": false, "n": 1}, want: "Str"},
		{input: map[string]any{"stage": "dev", "flag": true, "n": 1}, want: "Bool"},
		{input: map[string]any{"stage": "dev", "flag": false, "n": 10}, want: "Num"},
		{input: map[string]any{"stage": "dev", "flag": false, "n": 9}, want: "Pick"},
	}
	for _, tc := range cases {
		res := NewEngine(nil).Execute(context.Background(), def, tc.input)
		if res.TerminalState != tc.want {
			t.Fatalf("input=%v terminal=%s, want %s", tc.input, res.TerminalState, tc.want)
		}
	}
}

func TestDefinition_Validate(t *testing.T) {
	if err := thresholdDefinition(1).Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	bad := []Definition{
		{StartAt: "missing", States: map[string]*State{"A": {Type: TypeSucceed}}},
		{StartAt: "A", States: map[string]*State{"A": {Type: TypeTask, Resource: "x"}}},
		{StartAt: "A", States: map[string]*State{"A": {Type: TypeTask, End: true}}},
		{StartAt: "A", States: map[string]*State{"A": {Type: TypePass, Next: "nowhere"}}},
		{StartAt: "A", States: map[string]*State{"A": {Type: "Wait", End: true}}},
		{StartAt: "A", States: map[string]*State{"A": {Type: TypeParallel, End: true}}},
	}
	for i, def := range bad {
		if err := def.Validate(); !errors.Is(err, domain.ErrConfiguration) {
			t.Fatalf("case %d: Validate() err=%v", i, err)
		}
	}
}

func TestParse_JSONAndYAML(t *testing.T) {
	jsonDoc := []byte(`{"StartAt":"P","States":{"P":{"Type":"Pass","Result":{"x":1},"ResultPath":"$.p","End":true}}}`)
	yamlDoc := []byte("StartAt: P\nStates:\n  P:\n    Type: Pass\n    Result:\n      x: 1\n    ResultPath: $.p\n    End: true\n")
	for _, doc := range [][]byte{jsonDoc, yamlDoc} {
		def, err := Parse(doc)
		if err != nil {
			t.Fatalf("Parse() err=%v", err)
		}
		res := NewEngine(nil).Execute(context.Background(), def, map[string]any{})
		out, _ := res.Output.(map[string]any)
		p, _ := out["p"].(map[string]any)
		if res.Status != domain.WorkflowSucceeded || p == nil {
			t.Fatalf("res=%+v", res)
		}
	}
}
