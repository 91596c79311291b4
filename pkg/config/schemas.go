package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// workflowSchema constrains every definition source. YAML and JSON inputs
// are compiled into CUE and unified with it, so all formats report the same
// structural errors.
const workflowSchema = `
#ID: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"

#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Trigger: {
	node_id?:      #ID
	capability_id: #ID
	config?: {...}
	schedule?: string
}

#Node: {
	node_id:       #ID
	capability_id: #ID
	config?: {...}
	depends_on?: [...#ID]
	max_retries?: int & >=0
	timeout?:     #Duration
	critical?:    bool
	continue_on_upstream_failure?: bool
	fallback_capability_id?:       #ID
}

#Edge: {
	from: #ID
	to:   #ID
}

#Workflow: {
	workflow_id?: #ID
	name:         string & !=""
	description?: string
	trigger:      #Trigger
	nodes: [...#Node]
	edges?: [...#Edge]
	failure_policy?:  "tolerate" | "strict"
	max_concurrency?: int & >=0
	metadata?: {[string]: string}
}
`

// SchemaRegistry holds the compiled definition schema.
type SchemaRegistry struct {
	ctx      *cue.Context
	workflow cue.Value
}

// NewSchemaRegistry compiles the built-in schema.
func NewSchemaRegistry(ctx *cue.Context) (*SchemaRegistry, error) {
	if ctx == nil {
		ctx = cuecontext.New()
	}

	val := ctx.CompileString(workflowSchema, cue.Filename("workflow.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile workflow schema: %w", err)
	}

	return &SchemaRegistry{
		ctx:      ctx,
		workflow: val.LookupPath(cue.ParsePath("#Workflow")),
	}, nil
}

// Unify constrains val by the workflow schema and requires a concrete result.
func (sr *SchemaRegistry) Unify(val cue.Value) (cue.Value, error) {
	unified := sr.workflow.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}
