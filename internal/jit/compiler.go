package jit

import (
	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/ir"
)

// PipelineConfig selects the strategies used at each compiler stage,
// typically varied by tier: tier 0 favors StackOnly/SchedNone for compile
// speed, tier 2+ favors GraphColoring for code quality, scheduled with
// SchedTrace at tier 2 and SchedSuperblock at tier 3.
type PipelineConfig struct {
	RegAlloc  RegAllocStrategy
	Scheduler SchedStrategy
}

// Compiler wires the optimizer, scheduler, register allocator and code
// generator into one pipeline, in that order: the scheduler runs between
// optimize and allocate, so allocation sees the final op order.
type Compiler struct {
	target    archx.Arch
	optimizer *Optimizer
	codegen   *CodeGen
	tiers     map[int]PipelineConfig
}

func NewCompiler(target archx.Arch) *Compiler {
	return &Compiler{
		target:    target,
		optimizer: NewOptimizer(),
		codegen:   NewCodeGen(target),
		tiers: map[int]PipelineConfig{
			0: {RegAlloc: StackOnly, Scheduler: SchedNone},
			1: {RegAlloc: LinearScan, Scheduler: SchedList},
			2: {RegAlloc: GraphColoring, Scheduler: SchedTrace},
			3: {RegAlloc: GraphColoring, Scheduler: SchedSuperblock},
		},
	}
}

// RegisterOptPass exposes the optimizer's pluggable-pass slot (advanced
// SIMD/vendor-extension passes enriched from outside this package).
func (c *Compiler) RegisterOptPass(p Pass) { c.optimizer.RegisterPass(p) }

func (c *Compiler) tierFor(level OptLevel) PipelineConfig {
	cfg, ok := c.tiers[int(level)]
	if !ok {
		return c.tiers[1]
	}
	return cfg
}

// Compile runs blk through the full pipeline at the given optimization
// level and returns the resulting Program plus its callable CompiledBlock.
func (c *Compiler) Compile(blk *ir.Block, level OptLevel) (Program, *CompiledBlock, error) {
	cfg := c.tierFor(level)

	optimized := c.optimizer.Run(level, blk)
	scheduled := NewScheduler(cfg.Scheduler).Run(optimized)
	alloc := NewRegAlloc(cfg.RegAlloc).Allocate(scheduled)

	return c.codegen.Emit(scheduled, alloc)
}
