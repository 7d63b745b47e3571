package jit

import (
	"math"

	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/vmerr"
)

// TranslationComplexity classifies how hard a source→target translation
// is expected to be, per §4.F "Cross-architecture translation".
type TranslationComplexity int

const (
	ComplexityLow TranslationComplexity = iota
	ComplexityMedium
	ComplexityHigh
)

// TranslationStrategy is the chosen approach for one translation request.
type TranslationStrategy int

const (
	StrategyStandard TranslationStrategy = iota
	StrategyOptimized
	StrategyMemoryOptimized
	StrategyFastTranslation
	StrategyAggressiveOptimized
)

// PerformancePriority mirrors the original_source PerformancePriority
// enum used to steer strategy selection.
type PerformancePriority int

const (
	PriorityExecutionSpeed PerformancePriority = iota
	PriorityTranslationSpeed
	PriorityMemoryUsage
	PriorityBalanced
)

// ResourceRequirements estimates what a translation will cost to run.
type ResourceRequirements struct {
	MemoryMB  uint32
	CPUCores  uint32
	TimeSec   uint32
}

// PipelineStageKind is one step of translation pipeline orchestration.
type PipelineStageKind int

const (
	StageAnalysis PipelineStageKind = iota
	StageTranslation
	StageOptimization
	StageCodeGeneration
)

// PipelineStage is one node in the translation pipeline's dependency
// graph (§4.F "declared dependency edges").
type PipelineStage struct {
	Name         string
	Kind         PipelineStageKind
	EstimatedMs  uint32
	Dependencies []int
}

// TranslationPlan is the output of planning a cross-architecture
// translation: strategy, complexity, stage count, and resource estimate.
type TranslationPlan struct {
	SourceArch        archx.Arch
	TargetArch        archx.Arch
	Strategy          TranslationStrategy
	Complexity        TranslationComplexity
	EstimatedStages   uint32
	EstimatedResources ResourceRequirements
	OptimizationLevel uint8
}

// resourceCeiling bounds the memory a single translation plan may claim;
// exceeding it is a business-rule violation distinct from an architecture
// mismatch (§7, the cross_architecture_translation_service.rs
// supplement).
const resourceCeilingMemoryMB = 4096

// CrossArchService implements the business-rule validation, complexity
// assessment, strategy selection, and pipeline orchestration that
// SPEC_FULL.md's "Cross-architecture translation" subsystem of F
// describes, grounded on
// original_source/vm-core/src/domain_services/cross_architecture_translation_service.rs.
type CrossArchService struct{}

func NewCrossArchService() *CrossArchService { return &CrossArchService{} }

// baseComplexity is the (source,target) pair's intrinsic difficulty
// before adjusting for code size (original_source table, §4.F).
func baseComplexity(src, tgt archx.Arch) float64 {
	if src == tgt {
		return 0.1
	}
	switch {
	case (src == archx.ArchX86_64 && tgt == archx.ArchARM64) || (src == archx.ArchARM64 && tgt == archx.ArchX86_64):
		return 0.7
	case (src == archx.ArchX86_64 && tgt == archx.ArchRISCV64) || (src == archx.ArchRISCV64 && tgt == archx.ArchX86_64):
		return 0.8
	case (src == archx.ArchARM64 && tgt == archx.ArchRISCV64) || (src == archx.ArchRISCV64 && tgt == archx.ArchARM64):
		return 0.6
	default:
		return 1.0
	}
}

// ValidateRequest runs the business rules a translation request must
// satisfy before planning proceeds: architecture support and resource
// ceiling, each surfaced as its own sentinel (the original_source
// supplement distinguishes these from a generic validation failure).
func (s *CrossArchService) ValidateRequest(src, tgt archx.Arch, codeSize int, estimatedMemoryMB uint32) error {
	if !src.Valid() || !tgt.Valid() {
		return vmerr.ErrArchitectureIncompatible
	}
	if estimatedMemoryMB > resourceCeilingMemoryMB {
		return vmerr.ErrResourceCeilingExceeded
	}
	if codeSize <= 0 {
		return &vmerr.InvalidConfig{Field: "code_size", Message: "code size must be positive"}
	}
	return nil
}

// AssessComplexity implements base_weight(src,tgt) * size_factor, capped
// at 2x, then buckets the score into Low/Medium/High (§4.F).
func (s *CrossArchService) AssessComplexity(src, tgt archx.Arch, codeSize int) TranslationComplexity {
	sizeFactor := math.Min(float64(codeSize)/10000.0, 2.0)
	score := baseComplexity(src, tgt) * sizeFactor
	switch {
	case score < 0.3:
		return ComplexityLow
	case score < 0.7:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}

// SelectStrategy picks a TranslationStrategy from (complexity,
// optimization_level, priority), matching the original_source decision
// table.
func (s *CrossArchService) SelectStrategy(complexity TranslationComplexity, optimizationLevel uint8, priority PerformancePriority) TranslationStrategy {
	switch {
	case complexity == ComplexityLow && optimizationLevel <= 2 && priority == PriorityMemoryUsage:
		return StrategyMemoryOptimized
	case complexity == ComplexityLow && priority == PriorityTranslationSpeed:
		return StrategyFastTranslation
	case complexity == ComplexityMedium && optimizationLevel <= 2 && priority == PriorityMemoryUsage:
		return StrategyMemoryOptimized
	case complexity == ComplexityMedium && optimizationLevel >= 3 && optimizationLevel <= 5:
		return StrategyOptimized
	case complexity == ComplexityHigh && optimizationLevel <= 2 && priority == PriorityTranslationSpeed:
		return StrategyFastTranslation
	case complexity == ComplexityHigh && optimizationLevel >= 3 && optimizationLevel <= 5:
		return StrategyOptimized
	case complexity == ComplexityHigh && optimizationLevel >= 6:
		return StrategyAggressiveOptimized
	default:
		return StrategyStandard
	}
}

// EstimateStages returns how many pipeline stages (2-6) a plan needs.
func (s *CrossArchService) EstimateStages(complexity TranslationComplexity, strategy TranslationStrategy) uint32 {
	switch complexity {
	case ComplexityLow:
		switch strategy {
		case StrategyFastTranslation:
			return 2
		case StrategyMemoryOptimized:
			return 3
		default:
			return 4
		}
	case ComplexityMedium:
		switch strategy {
		case StrategyFastTranslation:
			return 3
		case StrategyMemoryOptimized:
			return 4
		default:
			return 5
		}
	default: // High
		switch strategy {
		case StrategyFastTranslation:
			return 4
		case StrategyMemoryOptimized:
			return 5
		default:
			return 6
		}
	}
}

// EstimateResources estimates memory/cpu/time cost for a plan.
func (s *CrossArchService) EstimateResources(codeSize int, complexity TranslationComplexity, strategy TranslationStrategy) ResourceRequirements {
	baseMemory := float64(codeSize * 4)
	var memMultiplier float64
	switch {
	case complexity == ComplexityLow && strategy == StrategyFastTranslation:
		memMultiplier = 1.5
	case complexity == ComplexityLow && strategy == StrategyMemoryOptimized:
		memMultiplier = 1.2
	case complexity == ComplexityLow:
		memMultiplier = 2.0
	case complexity == ComplexityMedium && strategy == StrategyFastTranslation:
		memMultiplier = 2.0
	case complexity == ComplexityMedium && strategy == StrategyMemoryOptimized:
		memMultiplier = 1.5
	case complexity == ComplexityMedium:
		memMultiplier = 3.0
	case strategy == StrategyFastTranslation:
		memMultiplier = 2.5
	case strategy == StrategyMemoryOptimized:
		memMultiplier = 2.0
	default:
		memMultiplier = 4.0
	}
	memoryMB := uint32(math.Ceil(baseMemory * memMultiplier / (1024 * 1024)))
	if memoryMB == 0 {
		memoryMB = 1
	}

	var cpuCores uint32
	switch complexity {
	case ComplexityLow:
		cpuCores = 1
	case ComplexityMedium:
		cpuCores = 2
	default:
		cpuCores = 4
	}

	var timeSec uint32
	switch {
	case complexity == ComplexityLow && strategy == StrategyFastTranslation:
		timeSec = 1
	case complexity == ComplexityLow && strategy == StrategyMemoryOptimized:
		timeSec = 2
	case complexity == ComplexityLow:
		timeSec = 3
	case complexity == ComplexityMedium && strategy == StrategyFastTranslation:
		timeSec = 3
	case complexity == ComplexityMedium && strategy == StrategyMemoryOptimized:
		timeSec = 5
	case complexity == ComplexityMedium:
		timeSec = 8
	case strategy == StrategyFastTranslation:
		timeSec = 5
	case strategy == StrategyMemoryOptimized:
		timeSec = 8
	default:
		timeSec = 15
	}

	return ResourceRequirements{MemoryMB: memoryMB, CPUCores: cpuCores, TimeSec: timeSec}
}

// Plan validates, assesses, selects, and estimates in one call, producing
// a complete TranslationPlan.
func (s *CrossArchService) Plan(src, tgt archx.Arch, codeSize int, optimizationLevel uint8, priority PerformancePriority) (*TranslationPlan, error) {
	complexity := s.AssessComplexity(src, tgt, codeSize)
	strategy := s.SelectStrategy(complexity, optimizationLevel, priority)
	resources := s.EstimateResources(codeSize, complexity, strategy)

	if err := s.ValidateRequest(src, tgt, codeSize, resources.MemoryMB); err != nil {
		return nil, err
	}

	return &TranslationPlan{
		SourceArch:         src,
		TargetArch:         tgt,
		Strategy:           strategy,
		Complexity:         complexity,
		EstimatedStages:    s.EstimateStages(complexity, strategy),
		EstimatedResources: resources,
		OptimizationLevel:  optimizationLevel,
	}, nil
}

// BuildPipeline creates the stage graph {Analysis, Translation,
// Optimization(if level>0), CodeGeneration} with dependency edges, per
// §4.F's orchestration description.
func (s *CrossArchService) BuildPipeline(plan *TranslationPlan) []PipelineStage {
	stages := []PipelineStage{
		{Name: "Analysis", Kind: StageAnalysis, EstimatedMs: 100},
		{Name: "Translation", Kind: StageTranslation, EstimatedMs: 500, Dependencies: []int{0}},
	}
	if plan.OptimizationLevel > 0 {
		stages = append(stages, PipelineStage{
			Name: "Optimization", Kind: StageOptimization, EstimatedMs: 300,
			Dependencies: []int{1},
		})
	}
	stages = append(stages, PipelineStage{
		Name: "CodeGeneration", Kind: StageCodeGeneration, EstimatedMs: 200,
		Dependencies: []int{len(stages) - 1},
	})
	return stages
}

// OrchestrationResult summarizes a pipeline run.
type OrchestrationResult struct {
	StagesExecuted uint32
	TotalTimeMs    uint32
	OutputSize     int
}

// Orchestrate validates available resources against the plan's estimate,
// then walks the stage graph in dependency order, summing estimated
// time. It does not itself invoke the compiler pipeline; callers wire
// the actual optimize/allocate/schedule/codegen calls per stage.
func (s *CrossArchService) Orchestrate(plan *TranslationPlan, codeSize int, availableMemoryMB uint32) (*OrchestrationResult, error) {
	if codeSize <= 0 {
		return nil, &vmerr.InvalidConfig{Field: "code", Message: "code cannot be empty for pipeline orchestration"}
	}
	if availableMemoryMB < plan.EstimatedResources.MemoryMB {
		return nil, &vmerr.InvalidConfig{Field: "available_memory", Message: "insufficient memory for translation plan"}
	}

	stages := s.BuildPipeline(plan)
	var totalMs uint32
	for _, st := range stages {
		totalMs += st.EstimatedMs
	}

	return &OrchestrationResult{
		StagesExecuted: uint32(len(stages)),
		TotalTimeMs:    totalMs,
		OutputSize:     codeSize * 2,
	}, nil
}
