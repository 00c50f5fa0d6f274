package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stagegate/stagegate/internal/domain"
)

// Task is the handler bound to a Task state's Resource. It receives the
// rendered Parameters, or the current data document when none are set.
type Task func(ctx context.Context, input map[string]any) (any, error)

const maxTransitions = 1000

// Result is the outcome of one execution of a definition.
type Result struct {
	Status        domain.WorkflowStatus
	TerminalState string
	Error         string
	Cause         string
	Output        any
	Visited       []string
}

type Engine struct {
	mu     sync.RWMutex
	tasks  map[string]Task
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		tasks:  map[string]Task{},
		logger: logger.With("component", "workflow"),
		sleep:  sleepCtx,
	}
}

func (e *Engine) Register(resource string, task Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks[resource] = task
}

func (e *Engine) task(resource string) (Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[resource]
	return t, ok
}

// CheckResources reports task resources in def that have no handler.
func (e *Engine) CheckResources(def Definition) error {
	var missing []string
	for _, r := range def.Resources() {
		if _, ok := e.task(r); !ok {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("unregistered task resources: %s: %w", strings.Join(missing, ", "), domain.ErrConfiguration)
	}
	return nil
}

// Execute walks def from StartAt. input is both the initial data document and
// the value behind $$.Execution.Input.
func (e *Engine) Execute(ctx context.Context, def Definition, input map[string]any) Result {
	return e.run(ctx, def, deepCopy(input), input)
}

func (e *Engine) run(ctx context.Context, def Definition, data any, input map[string]any) Result {
	var res Result
	fail := func(name string, se *StateError) Result {
		res.Status = domain.WorkflowFailed
		res.TerminalState = name
		res.Error = se.Name
		res.Cause = se.Cause
		return res
	}

	current := def.StartAt
	for step := 0; ; step++ {
		if step >= maxTransitions {
			return fail(current, &StateError{Name: ErrorRuntime, Cause: "too many state transitions"})
		}
		if err := ctx.Err(); err != nil {
			return fail(current, &StateError{Name: ErrorRuntime, Cause: err.Error()})
		}
		st, ok := def.States[current]
		if !ok || st == nil {
			return fail(current, &StateError{Name: ErrorRuntime, Cause: fmt.Sprintf("state %q not found", current)})
		}
		res.Visited = append(res.Visited, current)

		var next string
		switch st.Type {
		case TypeSucceed:
			res.Status = domain.WorkflowSucceeded
			res.TerminalState = current
			res.Output = data
			return res

		case TypeFail:
			errName := st.Error
			if errName == "" {
				errName = current
			}
			return fail(current, &StateError{Name: errName, Cause: st.Cause})

		case TypePass:
			if st.Result != nil {
				out, err := applyResultPath(data, st.ResultPath, deepCopy(st.Result))
				if err != nil {
					return fail(current, &StateError{Name: ErrorRuntime, Cause: err.Error()})
				}
				data = out
			}
			next = st.Next

		case TypeChoice:
			target, err := choose(st, data, input)
			if err != nil {
				return fail(current, asStateError(err))
			}
			next = target

		case TypeTask, TypeParallel:
			var out any
			var err error
			if st.Type == TypeTask {
				out, err = e.runTask(ctx, current, st, data, input)
			} else {
				out, err = e.runParallel(ctx, st, data, input)
			}
			if err != nil {
				se := asStateError(err)
				catch, caught := findCatch(st.Catch, se.Name)
				if !caught {
					return fail(current, se)
				}
				e.logger.Info("state error caught", "state", current, "error", se.Name, "next", catch.Next)
				caughtData, perr := applyResultPath(data, catchResultPath(catch), map[string]any{"Error": se.Name, "Cause": se.Cause})
				if perr != nil {
					return fail(current, &StateError{Name: ErrorRuntime, Cause: perr.Error()})
				}
				data = caughtData
				current = catch.Next
				continue
			}
			updated, perr := applyResultPath(data, st.ResultPath, out)
			if perr != nil {
				return fail(current, &StateError{Name: ErrorRuntime, Cause: perr.Error()})
			}
			data = updated
			next = st.Next

		default:
			return fail(current, &StateError{Name: ErrorRuntime, Cause: fmt.Sprintf("unsupported state type %q", st.Type)})
		}

		if st.End {
			res.Status = domain.WorkflowSucceeded
			res.TerminalState = current
			res.Output = data
			return res
		}
		current = next
	}
}

func catchResultPath(c CatchRule) string {
	if c.ResultPath == "" {
		return "$.Error"
	}
	return c.ResultPath
}

func findCatch(rules []CatchRule, errName string) (CatchRule, bool) {
	for _, c := range rules {
		if matches(c.ErrorEquals, errName) {
			return c, true
		}
	}
	return CatchRule{}, false
}

func (e *Engine) runTask(ctx context.Context, name string, st *State, data any, input map[string]any) (any, error) {
	handler, ok := e.task(st.Resource)
	if !ok {
		return nil, &StateError{Name: ErrorTaskFailed, Cause: fmt.Sprintf("no handler for resource %q", st.Resource)}
	}
	var params map[string]any
	if st.Parameters != nil {
		rendered, err := renderParameters(st.Parameters, data, input)
		if err != nil {
			return nil, &StateError{Name: ErrorRuntime, Cause: err.Error()}
		}
		params = rendered
	} else if m, ok := deepCopy(data).(map[string]any); ok {
		params = m
	} else {
		params = map[string]any{}
	}

	attempts := map[int]int{}
	for {
		out, err := safeExecute(ctx, name, handler, params)
		if err == nil {
			return out, nil
		}
		se := asStateError(err)
		idx, rule, ok := findRetry(st.Retry, se.Name)
		if !ok {
			return nil, se
		}
		limit := rule.MaxAttempts
		if limit == 0 {
			limit = 3
		}
		if attempts[idx] >= limit {
			return nil, se
		}
		delay := retryDelay(rule, attempts[idx])
		attempts[idx]++
		e.logger.Warn("task retry", "state", name, "error", se.Name, "attempt", attempts[idx], "delay", delay.String())
		if err := e.sleep(ctx, delay); err != nil {
			return nil, &StateError{Name: ErrorRuntime, Cause: err.Error()}
		}
	}
}

func findRetry(rules []RetryRule, errName string) (int, RetryRule, bool) {
	for i, r := range rules {
		if matches(r.ErrorEquals, errName) {
			return i, r, true
		}
	}
	return -1, RetryRule{}, false
}

func retryDelay(rule RetryRule, attempt int) time.Duration {
	interval := rule.IntervalSeconds
	if interval <= 0 {
		interval = 1
	}
	rate := rule.BackoffRate
	if rate < 1 {
		rate = 2
	}
	return time.Duration(interval * math.Pow(rate, float64(attempt)) * float64(time.Second))
}

// safeExecute converts a handler panic into a task failure.
func safeExecute(ctx context.Context, name string, handler Task, params map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &StateError{Name: ErrorTaskFailed, Cause: fmt.Sprintf("handler panic in state %q: %v\n%s", name, r, debug.Stack())}
		}
	}()
	return handler(ctx, params)
}

// runParallel runs every branch on its own copy of data. Branches are
// independent: each runs to completion under the parent context, and the
// failure of the lowest-numbered failing branch becomes the state's error.
func (e *Engine) runParallel(ctx context.Context, st *State, data any, input map[string]any) (any, error) {
	results := make([]any, len(st.Branches))
	errs := make([]error, len(st.Branches))
	var g errgroup.Group
	for i, branch := range st.Branches {
		g.Go(func() error {
			res := e.run(ctx, branch, deepCopy(data), input)
			if res.Status != domain.WorkflowSucceeded {
				errs[i] = &StateError{Name: res.Error, Cause: res.Cause}
				return errs[i]
			}
			results[i] = res.Output
			return nil
		})
	}
	if g.Wait() != nil {
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}

func choose(st *State, data, input any) (string, error) {
	for _, rule := range st.Choices {
		ok, err := evaluate(rule, data, input)
		if err != nil {
			return "", &StateError{Name: ErrorRuntime, Cause: err.Error()}
		}
		if ok {
			return rule.Next, nil
		}
	}
	if st.Default != "" {
		return st.Default, nil
	}
	return "", &StateError{Name: ErrorNoChoiceMatched, Cause: "no choice rule matched and no Default is set"}
}

func evaluate(rule ChoiceRule, data, input any) (bool, error) {
	v, err := resolvePath(rule.Variable, data, input)
	if err != nil {
		return false, err
	}
	switch {
	case rule.NumericLessThan != nil, rule.NumericGreaterThanEquals != nil:
		f, ok := toFloat(v)
		if !ok {
			return false, fmt.Errorf("%s is not numeric", rule.Variable)
		}
		if rule.NumericLessThan != nil {
			return f < *rule.NumericLessThan, nil
		}
		return f >= *rule.NumericGreaterThanEquals, nil
	case rule.StringEquals != nil:
		s, ok := v.(string)
		return ok && s == *rule.StringEquals, nil
	case rule.BooleanEquals != nil:
		b, ok := v.(bool)
		return ok && b == *rule.BooleanEquals, nil
	default:
		return false, errors.New("choice rule has no operator")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
