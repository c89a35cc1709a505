package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/llm"
	"github.com/evalforge/evalforge/internal/scoring"
)

// Processor is the per-item processing collaborator. It must be safely
// retryable: the loop may re-invoke it for an item whose earlier result
// never committed. Timeout-class failures are distinguished from
// content-class failures by error value (llm.IsTimeout).
type Processor interface {
	Process(ctx context.Context, run *domain.Run, item *domain.WorkItem) (string, error)
}

// GenerationProcessor produces an answer for a question item by calling the
// run's target model and stripping reasoning-trace markup from the reply.
type GenerationProcessor struct {
	client llm.Client
}

// NewGenerationProcessor builds the generation collaborator.
func NewGenerationProcessor(client llm.Client) *GenerationProcessor {
	return &GenerationProcessor{client: client}
}

// Process implements Processor for generation runs.
func (p *GenerationProcessor) Process(ctx context.Context, run *domain.Run, item *domain.WorkItem) (string, error) {
	raw, err := p.client.Complete(ctx, run.Target, item.Payload.Prompt)
	if err != nil {
		return "", err
	}
	answer, _ := llm.CleanAnswer(raw)
	if answer == "" {
		return "", fmt.Errorf("%w: model returned only reasoning markup", llm.ErrInvalidResponse)
	}
	return answer, nil
}

// EvaluationProcessor scores a candidate answer against its reference using
// the item's rubric. Scoring is pure, so evaluation items never produce
// timeout-class failures.
type EvaluationProcessor struct{}

// NewEvaluationProcessor builds the evaluation collaborator.
func NewEvaluationProcessor() *EvaluationProcessor {
	return &EvaluationProcessor{}
}

// evalResult is the persisted outcome of one evaluation item.
type evalResult struct {
	Score   float64 `json:"score"`
	Correct bool    `json:"correct"`
	Detail  string  `json:"detail,omitempty"`
}

// Process implements Processor for evaluation runs.
func (p *EvaluationProcessor) Process(_ context.Context, _ *domain.Run, item *domain.WorkItem) (string, error) {
	rubric, err := scoring.ParseRubric(item.Payload.Rubric)
	if err != nil {
		return "", err
	}
	res, err := scoring.Score(rubric, item.Payload.Answer, item.Payload.Reference)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(evalResult{Score: res.Score, Correct: res.Correct, Detail: res.Detail})
	if err != nil {
		return "", fmt.Errorf("marshal score result: %w", err)
	}
	return string(data), nil
}

// KindProcessor routes items to the right collaborator by run kind.
type KindProcessor struct {
	processors map[domain.RunKind]Processor
}

// NewKindProcessor builds the routing processor.
func NewKindProcessor(generation, evaluation Processor) *KindProcessor {
	return &KindProcessor{processors: map[domain.RunKind]Processor{
		domain.RunKindGeneration: generation,
		domain.RunKindEvaluation: evaluation,
	}}
}

// Process implements Processor by dispatching on run.Kind.
func (p *KindProcessor) Process(ctx context.Context, run *domain.Run, item *domain.WorkItem) (string, error) {
	proc, ok := p.processors[run.Kind]
	if !ok {
		return "", fmt.Errorf("no processor for run kind %q", run.Kind)
	}
	return proc.Process(ctx, run, item)
}
