// Package wasm loads capability providers compiled to WebAssembly and runs
// them under wazero.
//
// A provider is a directory holding a manifest.yaml and a module:
//
//	name: crm
//	version: 1.2.0
//	module: crm.wasm
//	checksum: <hex sha256 of crm.wasm>
//	capabilities:
//	  - id: crm-upsert-contact
//	    export: upsert_contact
//	    side_effect: true
//	    rate_limit: 5
//
// The module exports "memory", "malloc", "free" and one function per
// capability taking a pointer and length of the JSON request
//
//	{"capability": "...", "config": {...}, "input": {...}}
//
// and returning (ptr << 32 | len) of either {"output": {...}} or
// {"error": {"kind": "rate_limited", "message": "..."}}. Guests may import
// env.log(level, ptr, len) to write to the engine log and WASI preview 1.
//
// Each call runs in a fresh instance bounded by the step deadline and
// Options.Timeout; a guest stuck in a loop is interrupted when either ends.
package wasm
