package builtin

import (
	"context"
	"errors"

	"github.com/openfroyo/froyoflow/pkg/config"
	"github.com/openfroyo/froyoflow/pkg/capabilities/params"
	"github.com/openfroyo/froyoflow/pkg/engine"
)

// transform runs config "script" with the node input bound to "input" and
// the remaining config bound to "params". Top-level bindings become the
// output.
func transform(eval *config.StarlarkEvaluator) engine.CapabilityFunc {
	return func(ctx context.Context, cfg engine.Config, input engine.Output) (engine.Output, error) {
		script, err := params.String(cfg, "script", true)
		if err != nil {
			return nil, err
		}

		vars := make(map[string]any, len(cfg))
		for k, v := range cfg {
			if k != "script" {
				vars[k] = v
			}
		}

		exported, err := eval.Evaluate(ctx, "transform.star", script, map[string]any{
			"input":  map[string]any(input),
			"params": vars,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, err
			}
			// Scripts are deterministic; a failing one fails the same way on retry.
			return nil, engine.NewCapabilityError(engine.ErrorKindInvalidConfig, "transform script failed", err)
		}

		return engine.Output(exported), nil
	}
}
