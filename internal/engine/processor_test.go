package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/llm"
)

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) Complete(context.Context, string, string) (string, error) {
	return f.reply, f.err
}

func TestGenerationProcessorCleansAnswer(t *testing.T) {
	proc := NewGenerationProcessor(&fakeLLM{reply: "<think>hmm</think>The answer is 4."})
	run := &domain.Run{Target: "m", Kind: domain.RunKindGeneration}
	item := &domain.WorkItem{Payload: domain.ItemPayload{Prompt: "2+2?"}}

	got, err := proc.Process(context.Background(), run, item)
	require.NoError(t, err)
	assert.Equal(t, "The answer is 4.", got)
}

func TestGenerationProcessorRejectsEmptyAnswer(t *testing.T) {
	proc := NewGenerationProcessor(&fakeLLM{reply: "<think>only reasoning</think>"})
	_, err := proc.Process(context.Background(), &domain.Run{}, &domain.WorkItem{})
	assert.ErrorIs(t, err, llm.ErrInvalidResponse)
}

func TestGenerationProcessorPropagatesCallError(t *testing.T) {
	wantErr := errors.New("connection refused")
	proc := NewGenerationProcessor(&fakeLLM{err: wantErr})
	_, err := proc.Process(context.Background(), &domain.Run{}, &domain.WorkItem{})
	assert.ErrorIs(t, err, wantErr)
}

func TestEvaluationProcessorScores(t *testing.T) {
	proc := NewEvaluationProcessor()
	item := &domain.WorkItem{Payload: domain.ItemPayload{
		Answer:    "Paris",
		Reference: "paris",
	}}

	got, err := proc.Process(context.Background(), &domain.Run{Kind: domain.RunKindEvaluation}, item)
	require.NoError(t, err)

	var res evalResult
	require.NoError(t, json.Unmarshal([]byte(got), &res))
	assert.True(t, res.Correct)
	assert.Equal(t, 1.0, res.Score)
}

func TestEvaluationProcessorRejectsBadRubric(t *testing.T) {
	proc := NewEvaluationProcessor()
	item := &domain.WorkItem{Payload: domain.ItemPayload{Rubric: "{not json"}}
	_, err := proc.Process(context.Background(), &domain.Run{}, item)
	assert.Error(t, err)
}

func TestKindProcessorRoutes(t *testing.T) {
	gen := processorFunc(func(context.Context, *domain.Run, *domain.WorkItem) (string, error) {
		return "generated", nil
	})
	eval := processorFunc(func(context.Context, *domain.Run, *domain.WorkItem) (string, error) {
		return "scored", nil
	})
	router := NewKindProcessor(gen, eval)

	got, err := router.Process(context.Background(), &domain.Run{Kind: domain.RunKindGeneration}, &domain.WorkItem{})
	require.NoError(t, err)
	assert.Equal(t, "generated", got)

	got, err = router.Process(context.Background(), &domain.Run{Kind: domain.RunKindEvaluation}, &domain.WorkItem{})
	require.NoError(t, err)
	assert.Equal(t, "scored", got)

	_, err = router.Process(context.Background(), &domain.Run{Kind: "unknown"}, &domain.WorkItem{})
	assert.Error(t, err)
}
