// Package builtin provides the capabilities every froyoflow engine ships
// with.
//
//	manual, webhook  trigger capabilities; output the trigger payload
//	noop             passes its input through
//	log              logs config "message", a text/template over the input
//	delay            waits config "duration" ("2s" or milliseconds)
//	transform        runs a Starlark config "script" over "input"
//	http-request     calls config "url" and classifies the response status
//	fail             fails with config "kind"; for exercising recovery paths
//
// Capabilities validate their own config at call time and report bad
// values as invalid_config, which the engine never retries.
//
//	caps := builtin.Capabilities(builtin.Options{Logger: logger})
//	registry, err := engine.NewRegistry(caps...)
package builtin
