package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Guest ABI. A provider module exports "memory", "malloc(size i32) i32",
// "free(ptr i32)" and one "fn(ptr i32, len i32) i64" per capability. The
// host writes a JSON request into guest memory and the export returns
// (ptr << 32 | len) of a JSON response.
const (
	exportMemory = "memory"
	exportMalloc = "malloc"
	exportFree   = "free"
)

// request is the JSON document passed to a capability export.
type request struct {
	Capability string        `json:"capability"`
	Config     engine.Config `json:"config"`
	Input      engine.Output `json:"input"`
}

// response is the JSON document a capability export returns. Exactly one
// of Output and Error is set.
type response struct {
	Output map[string]any `json:"output"`
	Error  *guestError    `json:"error"`
}

type guestError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// callExport runs one capability export on an instantiated module.
func callExport(ctx context.Context, mod api.Module, export string, input []byte) ([]byte, error) {
	fn := mod.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("module does not export %s", export)
	}
	malloc := mod.ExportedFunction(exportMalloc)
	free := mod.ExportedFunction(exportFree)
	memory := mod.Memory()

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		results, err := malloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, fmt.Errorf("malloc failed: %w", err)
		}
		inputPtr = uint32(results[0])
		if inputPtr == 0 {
			return nil, fmt.Errorf("malloc returned null pointer")
		}
		inputLen = uint32(len(input))
		defer func() { _, _ = free.Call(ctx, uint64(inputPtr)) }()

		if !memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write request to guest memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", export, err)
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed)
	if outputLen == 0 {
		return nil, fmt.Errorf("%s returned an empty response", export)
	}

	output, ok := memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("%s returned an out of range response", export)
	}
	// Read returns a view of guest memory, which dies with the instance.
	output = bytes.Clone(output)
	if outputPtr != inputPtr {
		_, _ = free.Call(ctx, uint64(outputPtr))
	}

	return output, nil
}

// decodeResponse turns a guest response into capability output or a
// classified error.
func decodeResponse(data []byte) (engine.Output, error) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, engine.NewCapabilityError(engine.ErrorKindInvalidConfig, "provider returned malformed JSON", err)
	}

	if resp.Error != nil {
		kind := engine.ErrorKind(resp.Error.Kind)
		if !guestKinds[kind] {
			kind = engine.ErrorKindUpstreamFailure
		}
		msg := resp.Error.Message
		if msg == "" {
			msg = "provider reported " + string(kind)
		}
		return nil, engine.NewCapabilityError(kind, msg, nil)
	}
	if resp.Output == nil {
		return nil, engine.NewCapabilityError(engine.ErrorKindInvalidConfig, "provider response has neither output nor error", nil)
	}

	return engine.Output(resp.Output), nil
}

// guestKinds are the error kinds a provider may report.
var guestKinds = map[engine.ErrorKind]bool{
	engine.ErrorKindTimeout:          true,
	engine.ErrorKindRateLimited:      true,
	engine.ErrorKindUpstreamFailure:  true,
	engine.ErrorKindInvalidConfig:    true,
	engine.ErrorKindPermissionDenied: true,
}
