// Package scoring evaluates generated answers against reference answers.
// It implements the deterministic scoring methods used by evaluation runs:
// exact matching with alternatives, choice-set matching for objective
// questions, and text similarity for free-form answers. All scorers are
// pure functions of their inputs so results are reproducible across resumes.
package scoring

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Method selects how an answer is compared to its reference.
type Method string

const (
	// MethodExact matches the normalized answer against the reference and
	// any listed alternatives.
	MethodExact Method = "exact"

	// MethodChoice matches the set of selected options against the correct
	// option set of an objective question.
	MethodChoice Method = "choice"

	// MethodSimilarity scores free-form text by normalized edit distance
	// against the reference, passing at a configurable threshold.
	MethodSimilarity Method = "similarity"
)

// defaultSimilarityThreshold marks an answer correct when no threshold is
// configured in the rubric.
const defaultSimilarityThreshold = 0.8

// Rubric configures how a single item is scored. It is stored as JSON on
// the work item; a missing or empty rubric defaults to exact matching.
type Rubric struct {
	Method Method `json:"method,omitempty"`

	// Alternatives lists additional accepted answers for exact matching.
	Alternatives []string `json:"alternatives,omitempty"`

	// Correct lists the correct option labels for choice matching.
	Correct []string `json:"correct,omitempty"`

	// Threshold overrides the similarity pass mark (0..1].
	Threshold float64 `json:"threshold,omitempty"`
}

// Result is the outcome of scoring one answer.
type Result struct {
	// Score is the normalized result in [0, 1].
	Score float64

	// Correct reports whether the score meets the rubric's pass mark.
	Correct bool

	// Detail is a short human-readable explanation of the outcome.
	Detail string
}

// ParseRubric decodes a rubric from its stored JSON form. An empty string
// yields the default exact-match rubric.
func ParseRubric(raw string) (Rubric, error) {
	if strings.TrimSpace(raw) == "" {
		return Rubric{Method: MethodExact}, nil
	}
	var r Rubric
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Rubric{}, fmt.Errorf("parse rubric: %w", err)
	}
	if r.Method == "" {
		r.Method = MethodExact
	}
	return r, nil
}

// Score evaluates an answer against a reference under the given rubric.
func Score(rubric Rubric, answer, reference string) (Result, error) {
	switch rubric.Method {
	case MethodExact, "":
		return scoreExact(rubric, answer, reference), nil
	case MethodChoice:
		return scoreChoice(rubric, answer), nil
	case MethodSimilarity:
		return scoreSimilarity(rubric, answer, reference), nil
	default:
		return Result{}, fmt.Errorf("unknown scoring method %q", rubric.Method)
	}
}

// scoreExact accepts the reference or any rubric alternative after
// normalization. Scores are binary.
func scoreExact(rubric Rubric, answer, reference string) Result {
	got := normalize(answer)
	if got == normalize(reference) {
		return Result{Score: 1, Correct: true, Detail: "exact match"}
	}
	for _, alt := range rubric.Alternatives {
		if got == normalize(alt) {
			return Result{Score: 1, Correct: true, Detail: "matched alternative answer"}
		}
	}
	return Result{Detail: "no match against reference or alternatives"}
}

// optionLabelRe extracts option labels from free-form answer text. Models
// answer objective questions as "A", "B, D", "Answer: C" and similar.
var optionLabelRe = regexp.MustCompile(`\b([A-Ha-h])\b`)

// scoreChoice compares the selected option set to the correct set. A full
// match scores 1. Partial credit is given for multi-answer questions when
// some correct options are chosen, with each wrong pick cancelling a
// correct one; the score never goes below zero.
func scoreChoice(rubric Rubric, answer string) Result {
	correct := make(map[string]bool, len(rubric.Correct))
	for _, c := range rubric.Correct {
		correct[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	if len(correct) == 0 {
		return Result{Detail: "rubric lists no correct options"}
	}

	chosen := make(map[string]bool)
	for _, m := range optionLabelRe.FindAllStringSubmatch(answer, -1) {
		chosen[strings.ToUpper(m[1])] = true
	}
	if len(chosen) == 0 {
		return Result{Detail: "no option selected in answer"}
	}

	hits, misses := 0, 0
	for label := range chosen {
		if correct[label] {
			hits++
		} else {
			misses++
		}
	}

	if hits == len(correct) && misses == 0 {
		return Result{Score: 1, Correct: true, Detail: "all correct options selected"}
	}

	score := float64(hits-misses) / float64(len(correct))
	if score < 0 {
		score = 0
	}
	return Result{
		Score:  score,
		Detail: fmt.Sprintf("partial: %d of %d correct options, %d wrong", hits, len(correct), misses),
	}
}

// scoreSimilarity scores by normalized Levenshtein similarity between the
// normalized answer and reference.
func scoreSimilarity(rubric Rubric, answer, reference string) Result {
	threshold := rubric.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = defaultSimilarityThreshold
	}

	sim := Similarity(normalize(answer), normalize(reference))
	return Result{
		Score:   sim,
		Correct: sim >= threshold,
		Detail:  fmt.Sprintf("similarity %.2f against threshold %.2f", sim, threshold),
	}
}

// normalize lowercases, collapses internal whitespace, and strips
// surrounding punctuation so trivial formatting differences do not fail
// an otherwise correct answer.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".,;:!?\"'")
	return strings.Join(strings.Fields(s), " ")
}
