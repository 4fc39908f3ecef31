package runtime

import (
	"context"
	"fmt"
	"sync"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
)

// StageID identifies a pipeline stage for insertion and replacement.
type StageID string

// Standard stage ids, listed in execution order. The outcome stages sit at
// the low-priority end so every request unwinds through them: conversion,
// logging, and normalization happen on the way out, after the inner stages
// have settled the request.
const (
	StageNormalize StageID = "normalize"
	StageLog       StageID = "log"
	StageTrace     StageID = "trace"
	StageConvert   StageID = "convert"
	StageValidate  StageID = "validate"
	StageConfirm   StageID = "confirm"
	StageSetup     StageID = "setup"
	StageAdmit     StageID = "admit"
	StageGuard     StageID = "guard"
	StageInvoke    StageID = "invoke"
)

// Priorities of the standard stages. Gaps are left for custom stages.
const (
	PriorityNormalize = 10
	PriorityLog       = 20
	PriorityTrace     = 25
	PriorityConvert   = 30
	PriorityValidate  = 40
	PriorityConfirm   = 50
	PrioritySetup     = 60
	PriorityAdmit     = 70
	PriorityGuard     = 80
	PriorityInvoke    = 90
)

// Next runs the remainder of the pipeline.
type Next func(ctx context.Context, rc *Context)

// Stage is one step of the request pipeline. Stages wrap the rest of the
// pipeline the way HTTP middleware wraps a handler: work before next runs on
// the way in, in ascending priority order, and work after next runs on the
// way out. A stage that returns without calling next short-circuits
// everything deeper while the outer stages still unwind normally, which is
// how a refused request is still converted, logged, and normalized.
type Stage interface {
	ID() StageID
	Priority() int
	Run(ctx context.Context, rc *Context, next Next)
}

// NewStage adapts fn into a Stage with the given id and priority.
func NewStage(id StageID, priority int, fn func(ctx context.Context, rc *Context, next Next)) Stage {
	return funcStage{id: id, priority: priority, fn: fn}
}

type funcStage struct {
	id       StageID
	priority int
	fn       func(ctx context.Context, rc *Context, next Next)
}

func (s funcStage) ID() StageID   { return s.id }
func (s funcStage) Priority() int { return s.priority }
func (s funcStage) Run(ctx context.Context, rc *Context, next Next) {
	s.fn(ctx, rc, next)
}

// Pipeline holds an ordered list of stages. Use places a stage by its
// priority, after any stage already holding the same priority; the surgery
// operations place relative to an existing stage id regardless of priority.
// Executions in flight keep the stage list they started with.
type Pipeline struct {
	mu     sync.RWMutex
	stages []Stage
}

// NewPipeline builds a pipeline from the given stages, placing each by
// priority.
func NewPipeline(stages ...Stage) (*Pipeline, error) {
	p := &Pipeline{}
	for _, stage := range stages {
		if err := p.Use(stage); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Use inserts stage by its priority, keeping registration order among equal
// priorities.
func (p *Pipeline) Use(stage Stage) error {
	if stage == nil {
		return rterrors.ErrStageRequired
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	at := len(p.stages)
	for i, existing := range p.stages {
		if existing.Priority() > stage.Priority() {
			at = i
			break
		}
	}
	p.stages = append(p.stages, nil)
	copy(p.stages[at+1:], p.stages[at:])
	p.stages[at] = stage
	return nil
}

// InsertBefore places stage immediately before the stage with the given id.
func (p *Pipeline) InsertBefore(id StageID, stage Stage) error {
	return p.insertAt(id, stage, 0)
}

// InsertAfter places stage immediately after the stage with the given id.
func (p *Pipeline) InsertAfter(id StageID, stage Stage) error {
	return p.insertAt(id, stage, 1)
}

func (p *Pipeline) insertAt(id StageID, stage Stage, offset int) error {
	if stage == nil {
		return rterrors.ErrStageRequired
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: %q", rterrors.ErrStageNotFound, id)
	}

	at := idx + offset
	p.stages = append(p.stages, nil)
	copy(p.stages[at+1:], p.stages[at:])
	p.stages[at] = stage
	return nil
}

// Replace swaps the stage with the given id for stage, keeping its position.
func (p *Pipeline) Replace(id StageID, stage Stage) error {
	if stage == nil {
		return rterrors.ErrStageRequired
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: %q", rterrors.ErrStageNotFound, id)
	}
	p.stages[idx] = stage
	return nil
}

// Remove drops the stage with the given id.
func (p *Pipeline) Remove(id StageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: %q", rterrors.ErrStageNotFound, id)
	}
	p.stages = append(p.stages[:idx], p.stages[idx+1:]...)
	return nil
}

// Stages returns the stage ids in execution order.
func (p *Pipeline) Stages() []StageID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]StageID, len(p.stages))
	for i, stage := range p.stages {
		ids[i] = stage.ID()
	}
	return ids
}

func (p *Pipeline) indexOf(id StageID) int {
	for i, stage := range p.stages {
		if stage.ID() == id {
			return i
		}
	}
	return -1
}

// Execute runs the pipeline for one request. The stage list is snapshotted
// up front so concurrent surgery does not change a run mid-flight. A panic
// escaping a stage is recorded as an internal error; callers check
// rc.Logged to know whether the outcome line still needs to be emitted.
func (p *Pipeline) Execute(ctx context.Context, rc *Context) {
	p.mu.RLock()
	stages := make([]Stage, len(p.stages))
	copy(stages, p.stages)
	p.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			rc.Fail(rterrors.Internal(fmt.Errorf("pipeline panic: %v", r)))
		}
	}()

	runStages(ctx, rc, stages, 0)
}

func runStages(ctx context.Context, rc *Context, stages []Stage, i int) {
	if i >= len(stages) {
		return
	}
	stages[i].Run(ctx, rc, func(ctx context.Context, rc *Context) {
		runStages(ctx, rc, stages, i+1)
	})
}
