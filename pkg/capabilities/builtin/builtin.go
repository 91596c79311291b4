package builtin

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/config"
	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Capability IDs.
const (
	Manual      = "manual"
	Webhook     = "webhook"
	Noop        = "noop"
	Log         = "log"
	Delay       = "delay"
	Transform   = "transform"
	HTTPRequest = "http-request"
	Fail        = "fail"
)

// Options configures the built-in capabilities.
type Options struct {
	// Logger receives log capability output.
	Logger zerolog.Logger

	// HTTPClient is used by http-request. Defaults to a client with a
	// 30s timeout.
	HTTPClient *http.Client

	// Starlark runs transform scripts. Defaults to an evaluator with a 10s
	// deadline.
	Starlark *config.StarlarkEvaluator

	// MaxResponseBytes bounds the response body read by http-request.
	MaxResponseBytes int64
}

func (o *Options) setDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Starlark == nil {
		o.Starlark = config.NewStarlarkEvaluator(10*time.Second, o.Logger)
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = 10 << 20
	}
}

// Capabilities returns every built-in capability.
func Capabilities(opts Options) []engine.Capability {
	opts.setDefaults()
	logger := opts.Logger.With().Str("component", "capabilities").Logger()

	return []engine.Capability{
		{
			ID:          Manual,
			Description: "Starts a run from an explicit trigger call; outputs the payload",
			Execute:     triggerPayload,
			Idempotent:  true,
		},
		{
			ID:          Webhook,
			Description: "Starts a run from an inbound webhook; checks required payload fields",
			Execute:     webhookPayload,
			Idempotent:  true,
		},
		{
			ID:          Noop,
			Description: "Does nothing and passes its input through",
			Execute:     noop,
			Idempotent:  true,
		},
		{
			ID:          Log,
			Description: "Writes a templated message to the engine log",
			Execute:     logMessage(logger),
			Idempotent:  true,
		},
		{
			ID:          Delay,
			Description: "Waits for a duration, then passes its input through",
			Execute:     delay,
			Idempotent:  true,
		},
		{
			ID:          Transform,
			Description: "Reshapes data with a Starlark script",
			Execute:     transform(opts.Starlark),
			Idempotent:  true,
		},
		{
			ID:          HTTPRequest,
			Description: "Calls an HTTP endpoint with the node input as a JSON body",
			Execute:     httpRequest(opts.HTTPClient, opts.MaxResponseBytes),
			SideEffect:  true,
		},
		{
			ID:          Fail,
			Description: "Always fails with the configured error kind",
			Execute:     fail,
			Idempotent:  true,
		},
	}
}
