package builtin

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/capabilities/params"
	"github.com/openfroyo/froyoflow/pkg/engine"
)

// triggerPayload outputs the trigger payload unchanged.
func triggerPayload(_ context.Context, _ engine.Config, input engine.Output) (engine.Output, error) {
	return params.Copy(input), nil
}

// webhookPayload outputs the payload after checking config "required_fields".
// A missing field is a permanent failure: replaying the same payload cannot
// fix it.
func webhookPayload(_ context.Context, cfg engine.Config, input engine.Output) (engine.Output, error) {
	required, err := params.StringList(cfg, "required_fields")
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, field := range required {
		if _, ok := input[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, params.Invalid("webhook payload is missing fields: %s", strings.Join(missing, ", "))
	}
	return params.Copy(input), nil
}

func noop(_ context.Context, _ engine.Config, input engine.Output) (engine.Output, error) {
	return params.Copy(input), nil
}

// logMessage renders config "message" as a text/template over the input and
// logs it at config "level" (default info). The input passes through with
// the rendered message under "message".
func logMessage(logger zerolog.Logger) engine.CapabilityFunc {
	return func(_ context.Context, cfg engine.Config, input engine.Output) (engine.Output, error) {
		msg, err := params.String(cfg, "message", false)
		if err != nil {
			return nil, err
		}
		levelName, err := params.String(cfg, "level", false)
		if err != nil {
			return nil, err
		}

		level := zerolog.InfoLevel
		if levelName != "" {
			if level, err = zerolog.ParseLevel(levelName); err != nil {
				return nil, params.Invalid("unknown log level %q", levelName)
			}
		}

		rendered := msg
		if strings.Contains(msg, "{{") {
			tmpl, err := template.New("message").Option("missingkey=zero").Parse(msg)
			if err != nil {
				return nil, params.Invalid("invalid message template: %v", err)
			}
			var buf bytes.Buffer
			if err := tmpl.Execute(&buf, map[string]any(input)); err != nil {
				return nil, params.Invalid("failed to render message: %v", err)
			}
			rendered = buf.String()
		}

		logger.WithLevel(level).
			Str("capability_id", Log).
			Int("input_keys", len(input)).
			Msg(rendered)

		out := params.Copy(input)
		out["message"] = rendered
		return out, nil
	}
}

// delay waits for config "duration" unless ctx ends first.
func delay(ctx context.Context, cfg engine.Config, input engine.Output) (engine.Output, error) {
	d, err := params.Duration(cfg, "duration", time.Second)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return params.Copy(input), nil
	}
}

var failKinds = map[engine.ErrorKind]bool{
	engine.ErrorKindTimeout:          true,
	engine.ErrorKindRateLimited:      true,
	engine.ErrorKindUpstreamFailure:  true,
	engine.ErrorKindInvalidConfig:    true,
	engine.ErrorKindPermissionDenied: true,
}

// fail returns a CapabilityError of config "kind" (default upstream_failure).
func fail(_ context.Context, cfg engine.Config, _ engine.Output) (engine.Output, error) {
	kindName, err := params.String(cfg, "kind", false)
	if err != nil {
		return nil, err
	}
	kind := engine.ErrorKindUpstreamFailure
	if kindName != "" {
		kind = engine.ErrorKind(kindName)
		if !failKinds[kind] {
			return nil, params.Invalid("unsupported failure kind %q", kindName)
		}
	}

	msg, err := params.String(cfg, "message", false)
	if err != nil {
		return nil, err
	}
	if msg == "" {
		msg = fmt.Sprintf("configured failure (%s)", kind)
	}
	return nil, engine.NewCapabilityError(kind, msg, nil)
}
