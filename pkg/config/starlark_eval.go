package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// DefaultMaxSteps bounds the computation a single script may perform.
const DefaultMaxSteps = 10_000_000

// StarlarkEvaluator executes Starlark scripts with a deadline and a step
// budget. Scripts see their inputs as predeclared globals and export every
// top-level binding that does not start with an underscore.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

// NewStarlarkEvaluator creates a new Starlark evaluator. print() output goes
// to logger at debug level.
func NewStarlarkEvaluator(timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout:  timeout,
		maxSteps: DefaultMaxSteps,
		logger:   logger.With().Str("component", "starlark").Logger(),
	}
}

// Evaluate runs script with the given globals and returns its exports.
// Exceeding the deadline returns an error wrapping context.DeadlineExceeded.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, name, script string, globals map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Debug().Str("script", name).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(se.maxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starjson.Module,
	}
	for key, val := range globals {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert global %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	exported, err := starlark.ExecFile(thread, name, script, predeclared)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("starlark execution cancelled: %w", ctxErr)
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	names := make([]string, 0, len(exported))
	for n := range exported {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make(map[string]any, len(names))
	for _, n := range names {
		if n[0] == '_' {
			continue
		}
		if _, ok := exported[n].(starlark.Callable); ok {
			continue
		}
		gv, err := fromStarlarkValue(exported[n])
		if err != nil {
			return nil, fmt.Errorf("failed to convert export %s: %w", n, err)
		}
		out[n] = gv
	}

	return out, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		return dictFrom(val)
	case engine.Output:
		return dictFrom(val)
	case engine.Config:
		return dictFrom(val)
	default:
		// Route other shapes (typed slices, structs, json.Number) through JSON.
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("unsupported type: %T", v)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("unsupported type: %T", v)
		}
		return toStarlarkValue(generic)
	}
}

func dictFrom(m map[string]any) (*starlark.Dict, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dict := starlark.NewDict(len(m))
	for _, k := range keys {
		sv, err := toStarlarkValue(m[k])
		if err != nil {
			return nil, err
		}
		if err := dict.SetKey(starlark.String(k), sv); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large: %s", val.String())
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return listFrom(val)
	case starlark.Tuple:
		return listFrom(val)
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			gv, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = gv
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			gv, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = gv
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func listFrom(seq starlark.Indexable) ([]any, error) {
	list := make([]any, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		gv, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = gv
	}
	return list, nil
}
