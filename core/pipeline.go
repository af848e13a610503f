package core

import (
	"context"
	"strings"
	"sync"
)

// PipelineStage is one command of a Pipeline.
type PipelineStage struct {
	task        *CommandTask
	ignoreInput bool
}

// NewPipelineStage wraps task as a stage that reads the previous stage's stdout.
func NewPipelineStage(task *CommandTask) PipelineStage {
	return PipelineStage{task: task}
}

// IgnoreInput returns a copy of the stage that does not receive the
// previous stage's output on stdin.
func (s PipelineStage) IgnoreInput(ignore bool) PipelineStage {
	s.ignoreInput = ignore
	return s
}

func (s PipelineStage) Task() *CommandTask { return s.task }
func (s PipelineStage) IgnoresInput() bool { return s.ignoreInput }
func (s PipelineStage) String() string     { return s.task.String() }

// Pipeline is an ordered chain of commands where each stage's stdout feeds
// the next stage's stdin.
type Pipeline struct {
	stages []PipelineStage
}

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Pipe appends task as a stage that consumes the previous output.
func (p *Pipeline) Pipe(task *CommandTask) *Pipeline {
	return p.AddStage(NewPipelineStage(task))
}

// AddStage appends a fully configured stage.
func (p *Pipeline) AddStage(stage PipelineStage) *Pipeline {
	p.stages = append(p.stages, stage)
	return p
}

// Stages returns a copy of the stage list.
func (p *Pipeline) Stages() []PipelineStage {
	return append([]PipelineStage(nil), p.stages...)
}

func (p *Pipeline) Len() int      { return len(p.stages) }
func (p *Pipeline) IsEmpty() bool { return len(p.stages) == 0 }

// String renders the pipeline in shell notation, e.g. "echo hello | tr a-z A-Z".
func (p *Pipeline) String() string {
	parts := make([]string, len(p.stages))
	for i, s := range p.stages {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}

// ExecutePipeline runs the stages one after another. A stage that exits
// non-zero stops the pipeline and its output is returned without error;
// callers inspect ExitCode themselves.
func ExecutePipeline(p *Pipeline) (*ProcessOutput, error) {
	if p == nil || p.IsEmpty() {
		return nil, ErrEmptyPipeline
	}

	var last *ProcessOutput
	for i, stage := range p.stages {
		var input []byte
		if i > 0 && !stage.ignoreInput {
			input = last.Stdout
			if input == nil {
				input = []byte{}
			}
		}

		out, err := runProcess(context.Background(), stage.task, input)
		if err != nil {
			return nil, err
		}
		last = out
		if !out.Success() {
			break
		}
	}
	return last, nil
}

// PipelineHandle is the pending result of ExecutePipelineAsync.
type PipelineHandle struct {
	done chan struct{}
	once sync.Once
	out  *ProcessOutput
	err  error
}

// ExecutePipelineAsync runs ExecutePipeline on its own goroutine.
func ExecutePipelineAsync(p *Pipeline) *PipelineHandle {
	h := &PipelineHandle{done: make(chan struct{})}
	go func() {
		out, err := ExecutePipeline(p)
		h.complete(out, err)
	}()
	return h
}

func (h *PipelineHandle) complete(out *ProcessOutput, err error) {
	h.once.Do(func() {
		h.out, h.err = out, err
		close(h.done)
	})
}

// Wait blocks until the pipeline finished and returns its result.
func (h *PipelineHandle) Wait() (*ProcessOutput, error) {
	<-h.done
	return h.out, h.err
}

// Done is closed once the result is available.
func (h *PipelineHandle) Done() <-chan struct{} {
	return h.done
}
