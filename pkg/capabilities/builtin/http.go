package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/froyoflow/pkg/capabilities/params"
	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// httpRequest calls config "url" with config "method" (default GET) and
// "headers". Methods other than GET and HEAD send the input as a JSON body,
// or only input[body_key] when "body_key" is set. The output carries the
// status code and the body, decoded when it is JSON.
func httpRequest(client *http.Client, maxBody int64) engine.CapabilityFunc {
	return func(ctx context.Context, cfg engine.Config, input engine.Output) (engine.Output, error) {
		rawURL, err := params.String(cfg, "url", true)
		if err != nil {
			return nil, err
		}
		target, err := url.Parse(rawURL)
		if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
			return nil, params.Invalid("config \"url\" must be an absolute http(s) URL")
		}

		method, err := params.String(cfg, "method", false)
		if err != nil {
			return nil, err
		}
		method = strings.ToUpper(method)
		if method == "" {
			method = http.MethodGet
		}

		headers, err := params.StringMap(cfg, "headers")
		if err != nil {
			return nil, err
		}
		bodyKey, err := params.String(cfg, "body_key", false)
		if err != nil {
			return nil, err
		}

		var body io.Reader
		if method != http.MethodGet && method != http.MethodHead {
			var payload any = map[string]any(input)
			if bodyKey != "" {
				v, ok := input[bodyKey]
				if !ok {
					return nil, params.Invalid("input has no %q for the request body", bodyKey)
				}
				payload = v
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, params.Invalid("input cannot be encoded as JSON: %v", err)
			}
			body = bytes.NewReader(data)
		}

		var out engine.Output
		err = telemetry.RecordOperation(ctx, HTTPRequest, "request", func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
			if err != nil {
				return params.Invalid("failed to create HTTP request: %v", err)
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			req.Header.Set("Accept", "application/json")
			for k, v := range headers {
				req.Header.Set(k, v)
			}

			resp, err := client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return engine.NewCapabilityError(engine.ErrorKindUpstreamFailure, "HTTP request failed", err)
			}
			defer resp.Body.Close()
			trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrHTTPStatus.Int(resp.StatusCode))

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return engine.NewCapabilityError(engine.ErrorKindUpstreamFailure, "failed to read HTTP response", err)
			}

			if kind, failed := statusKind(resp.StatusCode); failed {
				return engine.NewCapabilityError(kind, fmt.Sprintf("%s %s returned %d", method, target.Host, resp.StatusCode), nil)
			}

			out = engine.Output{
				"status": resp.StatusCode,
				"body":   decodeBody(resp.Header.Get("Content-Type"), data),
			}
			return nil
		}, telemetry.AttrTargetHost.String(target.Host))
		if err != nil {
			return nil, err
		}

		return out, nil
	}
}

// statusKind classifies an unsuccessful HTTP status.
func statusKind(status int) (engine.ErrorKind, bool) {
	switch {
	case status < 400:
		return "", false
	case status == http.StatusTooManyRequests:
		return engine.ErrorKindRateLimited, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return engine.ErrorKindTimeout, true
	case status >= 500:
		return engine.ErrorKindUpstreamFailure, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return engine.ErrorKindPermissionDenied, true
	default:
		return engine.ErrorKindInvalidConfig, true
	}
}

func decodeBody(contentType string, data []byte) any {
	if len(data) == 0 {
		return nil
	}
	trimmed := bytes.TrimSpace(data)
	if strings.Contains(contentType, "json") || (len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')) {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}
