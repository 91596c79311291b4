package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

func capabilityByID(t *testing.T, caps []engine.Capability, id string) engine.Capability {
	t.Helper()
	for _, c := range caps {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("capability %s not found", id)
	return engine.Capability{}
}

func errorKind(err error) engine.ErrorKind {
	var capErr *engine.CapabilityError
	if errors.As(err, &capErr) {
		return capErr.Kind
	}
	return ""
}

func TestCapabilitiesRegister(t *testing.T) {
	caps := Capabilities(Options{Logger: zerolog.Nop()})

	registry, err := engine.NewRegistry(caps...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	want := []string{Delay, Fail, HTTPRequest, Log, Manual, Noop, Transform, Webhook}
	ids := registry.IDs()
	if len(ids) != len(want) {
		t.Fatalf("IDs = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("IDs[%d] = %s, want %s", i, ids[i], want[i])
		}
	}

	if !capabilityByID(t, caps, HTTPRequest).SideEffect {
		t.Error("http-request should declare a side effect")
	}
}

func TestWebhookRequiredFields(t *testing.T) {
	tests := []struct {
		name     string
		config   engine.Config
		input    engine.Output
		wantKind engine.ErrorKind
	}{
		{
			name:  "no requirements",
			input: engine.Output{"email": "a@example.com"},
		},
		{
			name:   "all present",
			config: engine.Config{"required_fields": []any{"email"}},
			input:  engine.Output{"email": "a@example.com"},
		},
		{
			name:     "missing field",
			config:   engine.Config{"required_fields": []any{"email", "name"}},
			input:    engine.Output{"email": "a@example.com"},
			wantKind: engine.ErrorKindInvalidConfig,
		},
		{
			name:     "malformed requirement",
			config:   engine.Config{"required_fields": "email"},
			wantKind: engine.ErrorKindInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := webhookPayload(context.Background(), tt.config, tt.input)
			if tt.wantKind != "" {
				if errorKind(err) != tt.wantKind {
					t.Fatalf("error kind = %q, want %q (err: %v)", errorKind(err), tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(out) != len(tt.input) {
				t.Errorf("payload not passed through: %v", out)
			}
		})
	}
}

func TestLogRendersTemplate(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	exec := logMessage(logger)

	out, err := exec(context.Background(),
		engine.Config{"message": "Order {{.order_id}} shipped", "level": "warn"},
		engine.Output{"order_id": "A-17"})
	if err != nil {
		t.Fatalf("log failed: %v", err)
	}
	if out["message"] != "Order A-17 shipped" {
		t.Errorf("message = %v", out["message"])
	}
	if out["order_id"] != "A-17" {
		t.Error("input not passed through")
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["message"] != "Order A-17 shipped" {
		t.Errorf("unexpected log entry: %v", entry)
	}

	_, err = exec(context.Background(), engine.Config{"level": "loud"}, nil)
	if errorKind(err) != engine.ErrorKindInvalidConfig {
		t.Errorf("expected invalid_config for bad level, got %v", err)
	}
}

func TestDelay(t *testing.T) {
	out, err := delay(context.Background(), engine.Config{"duration": "5ms"}, engine.Output{"k": "v"})
	if err != nil || out["k"] != "v" {
		t.Fatalf("delay = %v, %v", out, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = delay(ctx, engine.Config{"duration": 5000}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if engine.ClassifyError(err).Kind != engine.ErrorKindTimeout {
		t.Error("deadline should classify as timeout")
	}

	_, err = delay(context.Background(), engine.Config{"duration": "soon"}, nil)
	if errorKind(err) != engine.ErrorKindInvalidConfig {
		t.Errorf("expected invalid_config, got %v", err)
	}
}

func TestFail(t *testing.T) {
	tests := []struct {
		config   engine.Config
		wantKind engine.ErrorKind
	}{
		{config: nil, wantKind: engine.ErrorKindUpstreamFailure},
		{config: engine.Config{"kind": "rate_limited"}, wantKind: engine.ErrorKindRateLimited},
		{config: engine.Config{"kind": "permission_denied"}, wantKind: engine.ErrorKindPermissionDenied},
		{config: engine.Config{"kind": "aborted"}, wantKind: engine.ErrorKindInvalidConfig},
	}

	for _, tt := range tests {
		_, err := fail(context.Background(), tt.config, nil)
		if errorKind(err) != tt.wantKind {
			t.Errorf("fail(%v) kind = %q, want %q", tt.config, errorKind(err), tt.wantKind)
		}
	}
}

func TestTransform(t *testing.T) {
	caps := Capabilities(Options{Logger: zerolog.Nop()})
	exec := capabilityByID(t, caps, Transform).Execute

	out, err := exec(context.Background(), engine.Config{
		"script": `
def _total(items):
    t = 0
    for item in items:
        t += item["qty"] * params["unit_price"]
    return t

total = _total(input["items"])
`,
		"unit_price": 3,
	}, engine.Output{"items": []any{map[string]any{"qty": 2}, map[string]any{"qty": 5}}})
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if out["total"] != int64(21) {
		t.Errorf("total = %v (%T), want 21", out["total"], out["total"])
	}

	_, err = exec(context.Background(), engine.Config{"script": "x = 1 // 0"}, nil)
	if errorKind(err) != engine.ErrorKindInvalidConfig {
		t.Errorf("expected invalid_config for failing script, got %v", err)
	}

	_, err = exec(context.Background(), engine.Config{}, nil)
	if errorKind(err) != engine.ErrorKindInvalidConfig {
		t.Errorf("expected invalid_config for missing script, got %v", err)
	}
}

func TestHTTPRequest(t *testing.T) {
	var gotBody []byte
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Get("X-Api-Key")

		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id": 42}`))
		case "/text":
			_, _ = w.Write([]byte("accepted"))
		case "/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	exec := httpRequest(server.Client(), 1<<20)

	t.Run("post with body key", func(t *testing.T) {
		out, err := exec(context.Background(), engine.Config{
			"url":      server.URL + "/ok",
			"method":   "post",
			"body_key": "contact",
			"headers":  map[string]any{"X-Api-Key": "secret"},
		}, engine.Output{"contact": map[string]any{"email": "a@example.com"}, "other": 1})
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if out["status"] != http.StatusOK {
			t.Errorf("status = %v", out["status"])
		}
		body, ok := out["body"].(map[string]any)
		if !ok || body["id"] != float64(42) {
			t.Errorf("body = %#v", out["body"])
		}
		if strings.TrimSpace(string(gotBody)) != `{"email":"a@example.com"}` {
			t.Errorf("request body = %s", gotBody)
		}
		if gotHeader != "secret" {
			t.Errorf("header not forwarded: %q", gotHeader)
		}
	})

	t.Run("get text", func(t *testing.T) {
		out, err := exec(context.Background(), engine.Config{"url": server.URL + "/text"}, engine.Output{"ignored": true})
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if out["body"] != "accepted" {
			t.Errorf("body = %#v", out["body"])
		}
		if len(gotBody) != 0 {
			t.Errorf("GET should not send a body, got %s", gotBody)
		}
	})

	statusTests := []struct {
		path     string
		wantKind engine.ErrorKind
	}{
		{"/throttled", engine.ErrorKindRateLimited},
		{"/down", engine.ErrorKindUpstreamFailure},
		{"/forbidden", engine.ErrorKindPermissionDenied},
		{"/missing", engine.ErrorKindInvalidConfig},
	}
	for _, tt := range statusTests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := exec(context.Background(), engine.Config{"url": server.URL + tt.path}, nil)
			if errorKind(err) != tt.wantKind {
				t.Errorf("kind = %q, want %q (err: %v)", errorKind(err), tt.wantKind, err)
			}
		})
	}

	configTests := []engine.Config{
		{},
		{"url": "ftp://example.com/file"},
		{"url": "/relative"},
		{"url": server.URL, "headers": "X-Api-Key: secret"},
		{"url": server.URL, "method": "POST", "body_key": "absent"},
	}
	for _, cfg := range configTests {
		_, err := exec(context.Background(), cfg, engine.Output{})
		if errorKind(err) != engine.ErrorKindInvalidConfig {
			t.Errorf("config %v: kind = %q, want invalid_config", cfg, errorKind(err))
		}
	}
}

func TestHTTPRequestUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	exec := httpRequest(&http.Client{Timeout: time.Second}, 1<<20)
	_, err := exec(context.Background(), engine.Config{"url": url}, nil)
	if errorKind(err) != engine.ErrorKindUpstreamFailure {
		t.Errorf("kind = %q, want upstream_failure (err: %v)", errorKind(err), err)
	}
}
