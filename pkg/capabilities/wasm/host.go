package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// Options configures a Host.
type Options struct {
	Logger zerolog.Logger

	// Timeout bounds a single guest call on top of the step deadline.
	Timeout time.Duration

	// MemoryLimitPages caps guest memory in 64KiB pages. Default 256 (16MiB).
	MemoryLimitPages uint32
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MemoryLimitPages == 0 {
		o.MemoryLimitPages = 256
	}
}

// Host compiles provider modules and serves their exports as capabilities.
// Every call runs in a fresh module instance, so calls never share guest
// state and may run concurrently.
type Host struct {
	opts    Options
	logger  zerolog.Logger
	runtime wazero.Runtime

	mu        sync.RWMutex
	providers map[string]*Provider
}

// Provider is a compiled module and its manifest.
type Provider struct {
	Manifest *Manifest

	host     *Host
	compiled wazero.CompiledModule
}

// NewHost creates a wazero runtime with WASI and the froyoflow host module
// instantiated.
func NewHost(ctx context.Context, opts Options) (*Host, error) {
	opts.setDefaults()

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(opts.MemoryLimitPages).
		WithCloseOnContextDone(true))

	h := &Host{
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "wasm").Logger(),
		runtime:   runtime,
		providers: make(map[string]*Provider),
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if err := h.instantiateHostModule(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return h, nil
}

// instantiateHostModule exports env.log(level, ptr, len) so guests can
// write to the engine log.
func (h *Host) instantiateHostModule(ctx context.Context) error {
	_, err := h.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			lvl := zerolog.Level(int8(level))
			if lvl < zerolog.TraceLevel || lvl > zerolog.PanicLevel {
				lvl = zerolog.InfoLevel
			}
			h.logger.WithLevel(lvl).Str("module", mod.Name()).Msg(string(msg))
		}).
		Export("log").
		Instantiate(ctx)
	return err
}

// Load reads a manifest file and its module.
func (h *Host) Load(ctx context.Context, manifestPath string) (*Provider, error) {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	module, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return nil, fmt.Errorf("failed to read module for %s: %w", m, err)
	}
	return h.LoadModule(ctx, m, module)
}

// LoadDir loads every <dir>/<provider>/manifest.yaml. A missing dir loads
// nothing.
func (h *Host) LoadDir(ctx context.Context, dir string) ([]*Provider, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.logger.Debug().Str("dir", dir).Msg("Providers directory does not exist")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read providers directory: %w", err)
	}

	var loaded []*Provider
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		p, err := h.Load(ctx, path)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, p)
	}

	return loaded, nil
}

// LoadModule verifies and compiles module for m and registers the provider.
// The module must export the guest ABI and every export the manifest names.
func (h *Host) LoadModule(ctx context.Context, m *Manifest, module []byte) (*Provider, error) {
	if err := m.VerifyChecksum(module); err != nil {
		return nil, fmt.Errorf("provider %s: %w", m, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.providers[m.Name]; exists {
		return nil, fmt.Errorf("provider %s already loaded", m.Name)
	}
	for _, other := range h.providers {
		for _, theirs := range other.Manifest.Capabilities {
			for _, ours := range m.Capabilities {
				if ours.ID == theirs.ID {
					return nil, fmt.Errorf("provider %s: capability %s already provided by %s", m, ours.ID, other.Manifest)
				}
			}
		}
	}

	compiled, err := h.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("failed to compile provider %s: %w", m, err)
	}
	if err := checkExports(compiled, m); err != nil {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("provider %s: %w", m, err)
	}

	p := &Provider{Manifest: m, host: h, compiled: compiled}
	h.providers[m.Name] = p

	h.logger.Info().
		Str("provider", m.String()).
		Int("capabilities", len(m.Capabilities)).
		Msg("Loaded WASM provider")

	return p, nil
}

func checkExports(compiled wazero.CompiledModule, m *Manifest) error {
	if _, ok := compiled.ExportedMemories()[exportMemory]; !ok {
		return fmt.Errorf("module does not export %s", exportMemory)
	}

	funcs := compiled.ExportedFunctions()
	want := map[string]struct{ params, results []api.ValueType }{
		exportMalloc: {[]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}},
		exportFree:   {[]api.ValueType{api.ValueTypeI32}, nil},
	}
	for _, c := range m.Capabilities {
		want[c.Export] = struct{ params, results []api.ValueType }{
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI64},
		}
	}

	for name, sig := range want {
		def, ok := funcs[name]
		if !ok {
			return fmt.Errorf("module does not export %s", name)
		}
		if !sameTypes(def.ParamTypes(), sig.params) || !sameTypes(def.ResultTypes(), sig.results) {
			return fmt.Errorf("export %s has signature %v -> %v, want %v -> %v",
				name, def.ParamTypes(), def.ResultTypes(), sig.params, sig.results)
		}
	}

	return nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Providers returns the loaded providers sorted by name.
func (h *Host) Providers() []*Provider {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Provider, 0, len(h.providers))
	for _, p := range h.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.Name < out[j].Manifest.Name })
	return out
}

// Capabilities returns the capabilities of every loaded provider.
func (h *Host) Capabilities() []engine.Capability {
	var caps []engine.Capability
	for _, p := range h.Providers() {
		caps = append(caps, p.Capabilities()...)
	}
	return caps
}

// Close releases the runtime and every compiled module.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	h.providers = make(map[string]*Provider)
	h.mu.Unlock()

	if err := h.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

// Capabilities returns one capability per manifest entry.
func (p *Provider) Capabilities() []engine.Capability {
	caps := make([]engine.Capability, 0, len(p.Manifest.Capabilities))
	for _, spec := range p.Manifest.Capabilities {
		caps = append(caps, engine.Capability{
			ID:          spec.ID,
			Description: spec.Description,
			SideEffect:  spec.SideEffect,
			Idempotent:  spec.Idempotent,
			RateLimit:   spec.RateLimit,
			Burst:       spec.Burst,
			Execute: func(ctx context.Context, cfg engine.Config, input engine.Output) (engine.Output, error) {
				return p.invoke(ctx, spec, cfg, input)
			},
		})
	}
	return caps
}

// invoke runs spec's export in a new module instance.
func (p *Provider) invoke(ctx context.Context, spec CapabilitySpec, cfg engine.Config, input engine.Output) (engine.Output, error) {
	req, err := json.Marshal(request{Capability: spec.ID, Config: cfg, Input: input})
	if err != nil {
		return nil, engine.NewCapabilityError(engine.ErrorKindInvalidConfig, "config or input cannot be encoded as JSON", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.host.opts.Timeout)
	defer cancel()

	var out engine.Output
	err = telemetry.RecordOperation(ctx, spec.ID, "invoke", func(ctx context.Context) error {
		mod, err := p.host.runtime.InstantiateModule(ctx, p.compiled, wazero.NewModuleConfig().
			WithName("").
			WithStartFunctions("_initialize"))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return engine.NewCapabilityError(engine.ErrorKindUpstreamFailure, "failed to instantiate provider", err)
		}
		defer mod.Close(context.Background())

		data, err := callExport(ctx, mod, spec.Export, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.host.logger.Debug().Err(err).
				Str("provider", p.Manifest.String()).
				Str("capability", spec.ID).
				Msg("Guest call failed")
			return engine.NewCapabilityError(engine.ErrorKindUpstreamFailure, "provider call failed", err)
		}

		out, err = decodeResponse(data)
		return err
	}, telemetry.AttrProvider.String(p.Manifest.String()))
	if err != nil {
		return nil, err
	}

	return out, nil
}
