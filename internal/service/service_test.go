package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.Open("file::memory:?cache=private", nil)
	require.NoError(t, err)
	return New(s, nil, nil, nil), s
}

func TestCreateBatchExpandsRepeatsPerModel(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	snap, err := svc.CreateBatch(ctx, CreateBatchRequest{
		Name:              "nightly generation",
		Kind:              domain.RunKindGeneration,
		Targets:           []string{"model-a", "model-b"},
		AnswerRepeatCount: 3,
		Questions: []QuestionSpec{
			{QuestionID: 1, Prompt: "q1"},
			{QuestionID: 2, Prompt: "q2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BatchPending, snap.Status)

	runs, err := st.ListRuns(ctx, snap.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	for _, run := range runs {
		assert.Equal(t, int64(6), run.TotalCount) // 2 questions x 3 repeats
		items, err := st.ItemsAfter(ctx, run.ID, 0)
		require.NoError(t, err)
		require.Len(t, items, 6)

		// Repeat-major ordering: each round covers all questions.
		assert.Equal(t, uint64(1), items[0].Payload.QuestionID)
		assert.Equal(t, uint64(2), items[1].Payload.QuestionID)
		assert.Equal(t, 0, items[1].RepeatIndex)
		assert.Equal(t, 1, items[2].RepeatIndex)
	}
}

func TestCreateEvaluationBatch(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	snap, err := svc.CreateBatch(ctx, CreateBatchRequest{
		Name:    "scoring pass",
		Kind:    domain.RunKindEvaluation,
		Targets: []string{"exact-judge"},
		Evaluations: []EvaluationSpec{
			{QuestionID: 1, Answer: "Paris", Reference: "Paris"},
			{QuestionID: 2, Answer: "4", Reference: "4", Rubric: `{"method":"similarity"}`},
		},
	})
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, snap.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunKindEvaluation, runs[0].Kind)

	items, err := st.ItemsAfter(ctx, runs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Paris", items[0].Payload.Answer)
	assert.Equal(t, `{"method":"similarity"}`, items[1].Payload.Rubric)
}

func TestCreateBatchValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateBatchRequest
	}{
		{"missing name", CreateBatchRequest{
			Kind: domain.RunKindGeneration, Targets: []string{"m"},
			Questions: []QuestionSpec{{QuestionID: 1, Prompt: "q"}},
		}},
		{"no targets", CreateBatchRequest{
			Name: "b", Kind: domain.RunKindGeneration,
			Questions: []QuestionSpec{{QuestionID: 1, Prompt: "q"}},
		}},
		{"generation without questions", CreateBatchRequest{
			Name: "b", Kind: domain.RunKindGeneration, Targets: []string{"m"},
		}},
		{"evaluation without answers", CreateBatchRequest{
			Name: "b", Kind: domain.RunKindEvaluation, Targets: []string{"m"},
		}},
		{"unknown kind", CreateBatchRequest{
			Name: "b", Kind: "transcription", Targets: []string{"m"},
		}},
		{"repeat count above cap", CreateBatchRequest{
			Name: "b", Kind: domain.RunKindGeneration, Targets: []string{"m"},
			AnswerRepeatCount: 50,
			Questions:         []QuestionSpec{{QuestionID: 1, Prompt: "q"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateBatch(ctx, tt.req)
			assert.Error(t, err)
		})
	}
}

func TestGetBatchStatusNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetBatchStatus(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListRunsRequiresBatch(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ListRuns(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
