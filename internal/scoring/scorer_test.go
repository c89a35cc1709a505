package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRubric(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Method
		wantErr bool
	}{
		{"empty defaults to exact", "", MethodExact, false},
		{"whitespace defaults to exact", "   ", MethodExact, false},
		{"explicit method", `{"method":"similarity","threshold":0.9}`, MethodSimilarity, false},
		{"missing method defaults", `{"alternatives":["NYC"]}`, MethodExact, false},
		{"malformed json", `{"method":`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRubric(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Method)
		})
	}
}

func TestScoreExact(t *testing.T) {
	tests := []struct {
		name      string
		rubric    Rubric
		answer    string
		reference string
		correct   bool
	}{
		{"identical", Rubric{}, "Paris", "Paris", true},
		{"case and whitespace normalized", Rubric{}, "  PARIS  ", "paris", true},
		{"trailing punctuation ignored", Rubric{}, "Paris.", "Paris", true},
		{"internal whitespace collapsed", Rubric{}, "New   York", "New York", true},
		{"wrong answer", Rubric{}, "Lyon", "Paris", false},
		{
			"alternative accepted",
			Rubric{Alternatives: []string{"NYC", "New York City"}},
			"nyc", "New York", true,
		},
		{"substring is not a match", Rubric{}, "Paris is the capital", "Paris", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Score(tt.rubric, tt.answer, tt.reference)
			require.NoError(t, err)
			assert.Equal(t, tt.correct, res.Correct)
			if tt.correct {
				assert.Equal(t, 1.0, res.Score)
			} else {
				assert.Zero(t, res.Score)
			}
		})
	}
}

func TestScoreChoice(t *testing.T) {
	tests := []struct {
		name      string
		correct   []string
		answer    string
		wantScore float64
		wantPass  bool
	}{
		{"single choice right", []string{"B"}, "B", 1, true},
		{"single choice verbose", []string{"C"}, "The answer is C.", 1, true},
		{"single choice wrong", []string{"A"}, "D", 0, false},
		{"multi full match", []string{"A", "C"}, "A and C", 1, true},
		{"multi partial credit", []string{"A", "C"}, "A", 0.5, false},
		{"wrong pick cancels a hit", []string{"A", "C"}, "A, B", 0, false},
		{"lowercase labels", []string{"b"}, "b", 1, true},
		{"no selection", []string{"A"}, "I am not sure.", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Score(Rubric{Method: MethodChoice, Correct: tt.correct}, tt.answer, "")
			require.NoError(t, err)
			assert.InDelta(t, tt.wantScore, res.Score, 1e-9)
			assert.Equal(t, tt.wantPass, res.Correct)
		})
	}
}

func TestScoreChoiceEmptyRubric(t *testing.T) {
	res, err := Score(Rubric{Method: MethodChoice}, "A", "")
	require.NoError(t, err)
	assert.False(t, res.Correct)
	assert.Zero(t, res.Score)
}

func TestScoreSimilarity(t *testing.T) {
	res, err := Score(Rubric{Method: MethodSimilarity}, "the quick brown fox", "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Score)
	assert.True(t, res.Correct)

	res, err = Score(Rubric{Method: MethodSimilarity, Threshold: 0.5}, "the quick brown dog", "the quick brown fox")
	require.NoError(t, err)
	assert.True(t, res.Correct)
	assert.Greater(t, res.Score, 0.8)

	res, err = Score(Rubric{Method: MethodSimilarity, Threshold: 0.99}, "completely different", "the quick brown fox")
	require.NoError(t, err)
	assert.False(t, res.Correct)
}

func TestScoreUnknownMethod(t *testing.T) {
	_, err := Score(Rubric{Method: "bert"}, "a", "b")
	assert.Error(t, err)
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "abc", "abc", 1},
		{"both empty", "", "", 1},
		{"one empty", "abc", "", 0},
		{"single substitution", "kitten", "sitten", 1 - 1.0/6},
		{"multibyte runes", "日本語", "日本話", 1 - 1.0/3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 1e-9)
		})
	}
}
