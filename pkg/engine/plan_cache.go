package engine

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPlanCacheSize is the number of compiled plans kept in memory.
const DefaultPlanCacheSize = 128

type planKey struct {
	workflowID string
	version    int
}

// PlanCache keeps compiled plans by workflow version. Plans are immutable,
// so a cached plan can be shared between concurrent runs.
type PlanCache struct {
	cache *lru.Cache[planKey, *CompiledPlan]
}

// NewPlanCache creates a cache holding at most size plans.
func NewPlanCache(size int) (*PlanCache, error) {
	if size <= 0 {
		size = DefaultPlanCacheSize
	}
	c, err := lru.New[planKey, *CompiledPlan](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan cache: %w", err)
	}
	return &PlanCache{cache: c}, nil
}

// Get returns the cached plan for a workflow version.
func (c *PlanCache) Get(workflowID string, version int) (*CompiledPlan, bool) {
	return c.cache.Get(planKey{workflowID: workflowID, version: version})
}

// Put stores a plan under its own workflow ID and version.
func (c *PlanCache) Put(plan *CompiledPlan) {
	c.cache.Add(planKey{workflowID: plan.WorkflowID, version: plan.Version}, plan)
}

// Len returns the number of cached plans.
func (c *PlanCache) Len() int {
	return c.cache.Len()
}
