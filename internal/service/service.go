// Package service exposes the operational surface of the execution engine:
// batch creation, the lifecycle verbs, and synchronous status snapshots.
// Long-running work is always dispatched asynchronously; every call here
// returns quickly with the current durable state.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/lifecycle"
	"github.com/evalforge/evalforge/internal/llm"
	"github.com/evalforge/evalforge/internal/store"
)

// QuestionSpec is one question submitted with a generation batch.
type QuestionSpec struct {
	QuestionID uint64 `json:"question_id" validate:"required"`
	Prompt     string `json:"prompt" validate:"required"`
}

// EvaluationSpec is one candidate answer submitted with an evaluation batch.
type EvaluationSpec struct {
	QuestionID uint64 `json:"question_id" validate:"required"`
	Answer     string `json:"answer" validate:"required"`
	Reference  string `json:"reference" validate:"required"`
	Rubric     string `json:"rubric,omitempty"`
}

// CreateBatchRequest describes a new batch. Generation batches carry
// questions and one run is created per target model; evaluation batches
// carry candidate answers and one run per evaluator target.
type CreateBatchRequest struct {
	Name              string           `json:"name" validate:"required,min=1,max=256"`
	Kind              domain.RunKind   `json:"kind" validate:"required,oneof=generation evaluation"`
	Targets           []string         `json:"targets" validate:"required,min=1,dive,required"`
	AnswerRepeatCount int              `json:"answer_repeat_count"`
	Questions         []QuestionSpec   `json:"questions,omitempty"`
	Evaluations       []EvaluationSpec `json:"evaluations,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Service wires the lifecycle manager and store behind the API surface.
type Service struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	probe     llm.Client
	logger    *slog.Logger
}

// New builds the service. probe may be nil when connectivity checks are
// disabled.
func New(s *store.Store, lc *lifecycle.Manager, probe llm.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, lifecycle: lc, probe: probe, logger: logger.With("component", "service")}
}

// CreateBatch validates the request and persists the batch, its runs, and
// all work items in one transaction. Nothing is dispatched; the batch is
// created PENDING.
func (s *Service) CreateBatch(ctx context.Context, req CreateBatchRequest) (domain.BatchSnapshot, error) {
	if req.AnswerRepeatCount <= 0 {
		req.AnswerRepeatCount = 1
	}
	if err := validate.Struct(req); err != nil {
		return domain.BatchSnapshot{}, fmt.Errorf("invalid batch request: %w", err)
	}
	batch := &domain.Batch{
		Name:              req.Name,
		AnswerRepeatCount: req.AnswerRepeatCount,
	}
	if err := batch.Validate(); err != nil {
		return domain.BatchSnapshot{}, fmt.Errorf("invalid batch: %w", err)
	}

	switch req.Kind {
	case domain.RunKindGeneration:
		if len(req.Questions) == 0 {
			return domain.BatchSnapshot{}, fmt.Errorf("generation batch needs at least one question")
		}
	case domain.RunKindEvaluation:
		if len(req.Evaluations) == 0 {
			return domain.BatchSnapshot{}, fmt.Errorf("evaluation batch needs at least one candidate answer")
		}
	default:
		return domain.BatchSnapshot{}, fmt.Errorf("unknown batch kind %q", req.Kind)
	}

	runs := make([]*domain.Run, 0, len(req.Targets))
	items := make(map[int][]*domain.WorkItem, len(req.Targets))
	for i, target := range req.Targets {
		runs = append(runs, &domain.Run{Target: target, Kind: req.Kind})
		items[i] = s.buildItems(req)
	}

	if err := s.store.CreateBatch(ctx, batch, runs, items); err != nil {
		return domain.BatchSnapshot{}, err
	}
	s.logger.Info("batch created",
		"batch_id", batch.ID,
		"kind", req.Kind,
		"runs", len(runs),
		"items_per_run", len(items[0]))
	return domain.SnapshotBatch(batch), nil
}

// buildItems expands the request into work items for one run. Generation
// items are ordered repeat-major so every round covers all questions before
// the next begins.
func (s *Service) buildItems(req CreateBatchRequest) []*domain.WorkItem {
	if req.Kind == domain.RunKindEvaluation {
		items := make([]*domain.WorkItem, 0, len(req.Evaluations))
		for i, ev := range req.Evaluations {
			items = append(items, &domain.WorkItem{
				Sequence: int64(i),
				Payload: domain.ItemPayload{
					QuestionID: ev.QuestionID,
					Answer:     ev.Answer,
					Reference:  ev.Reference,
					Rubric:     ev.Rubric,
				},
			})
		}
		return items
	}

	items := make([]*domain.WorkItem, 0, len(req.Questions)*req.AnswerRepeatCount)
	for repeat := 0; repeat < req.AnswerRepeatCount; repeat++ {
		for qi, q := range req.Questions {
			items = append(items, &domain.WorkItem{
				Sequence:    int64(repeat*len(req.Questions) + qi),
				RepeatIndex: repeat,
				Payload: domain.ItemPayload{
					QuestionID: q.QuestionID,
					Prompt:     q.Prompt,
				},
			})
		}
	}
	return items
}

// StartBatch dispatches a batch and returns the post-transition snapshot.
// The connectivity probe runs first and is advisory: an unreachable model
// endpoint is logged and reported in the snapshot-independent error, but
// only as a warning, never a rejection.
func (s *Service) StartBatch(ctx context.Context, batchID uint64) (domain.BatchSnapshot, error) {
	if s.probe != nil {
		if err := s.probeEndpoint(ctx); err != nil {
			s.logger.Warn("model endpoint probe failed, starting anyway", "error", err)
		}
	}
	if err := s.lifecycle.StartBatch(ctx, batchID); err != nil {
		return domain.BatchSnapshot{}, err
	}
	return s.GetBatchStatus(ctx, batchID)
}

// probeEndpoint performs a minimal completion round trip to confirm the
// configured endpoint answers.
func (s *Service) probeEndpoint(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := s.probe.Complete(probeCtx, "probe", "ping")
	return err
}

// PauseBatch requests a cooperative pause of the batch.
func (s *Service) PauseBatch(ctx context.Context, batchID uint64, reason string) (domain.BatchSnapshot, error) {
	if err := s.lifecycle.PauseBatch(ctx, batchID, reason); err != nil {
		return domain.BatchSnapshot{}, err
	}
	return s.GetBatchStatus(ctx, batchID)
}

// ResumeBatch resumes a paused batch.
func (s *Service) ResumeBatch(ctx context.Context, batchID uint64) (domain.BatchSnapshot, error) {
	if err := s.lifecycle.ResumeBatch(ctx, batchID); err != nil {
		return domain.BatchSnapshot{}, err
	}
	return s.GetBatchStatus(ctx, batchID)
}

// ForceResumeBatch is the operator recovery path for a stuck batch.
func (s *Service) ForceResumeBatch(ctx context.Context, batchID uint64) (domain.BatchSnapshot, error) {
	if err := s.lifecycle.ForceResumeBatch(ctx, batchID); err != nil {
		return domain.BatchSnapshot{}, err
	}
	return s.GetBatchStatus(ctx, batchID)
}

// ResetFailedBatch moves a FAILED batch back to PAUSED.
func (s *Service) ResetFailedBatch(ctx context.Context, batchID uint64) (domain.BatchSnapshot, error) {
	if err := s.lifecycle.ResetFailedBatch(ctx, batchID); err != nil {
		return domain.BatchSnapshot{}, err
	}
	return s.GetBatchStatus(ctx, batchID)
}

// GetBatchStatus returns the batch's durable snapshot.
func (s *Service) GetBatchStatus(ctx context.Context, batchID uint64) (domain.BatchSnapshot, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return domain.BatchSnapshot{}, err
	}
	return domain.SnapshotBatch(batch), nil
}

// ListBatches returns snapshots for every batch.
func (s *Service) ListBatches(ctx context.Context) ([]domain.BatchSnapshot, error) {
	batches, err := s.store.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.BatchSnapshot, 0, len(batches))
	for _, b := range batches {
		out = append(out, domain.SnapshotBatch(b))
	}
	return out, nil
}

// ListRuns returns snapshots for the batch's runs.
func (s *Service) ListRuns(ctx context.Context, batchID uint64) ([]domain.RunSnapshot, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, batchID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RunSnapshot, 0, len(runs))
	for _, r := range runs {
		out = append(out, domain.SnapshotRun(r))
	}
	return out, nil
}

// GetRunStatus returns the run's durable snapshot.
func (s *Service) GetRunStatus(ctx context.Context, runID uint64) (domain.RunSnapshot, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return domain.RunSnapshot{}, err
	}
	return domain.SnapshotRun(run), nil
}

// PauseRun requests a cooperative pause of a single run.
func (s *Service) PauseRun(ctx context.Context, runID uint64, reason string) (domain.RunSnapshot, error) {
	if err := s.lifecycle.PauseRun(ctx, runID, reason); err != nil {
		return domain.RunSnapshot{}, err
	}
	return s.GetRunStatus(ctx, runID)
}

// ResumeRun resumes a paused run.
func (s *Service) ResumeRun(ctx context.Context, runID uint64) (domain.RunSnapshot, error) {
	if err := s.lifecycle.ResumeRun(ctx, runID); err != nil {
		return domain.RunSnapshot{}, err
	}
	return s.GetRunStatus(ctx, runID)
}

// ForceResumeRun is the operator recovery path for a stuck run.
func (s *Service) ForceResumeRun(ctx context.Context, runID uint64) (domain.RunSnapshot, error) {
	if err := s.lifecycle.ForceResumeRun(ctx, runID); err != nil {
		return domain.RunSnapshot{}, err
	}
	return s.GetRunStatus(ctx, runID)
}
