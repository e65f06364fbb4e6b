package display

import (
	"errors"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"

	"github.com/kaiwa-lab/kaiwa/internal/apicheck"
	"github.com/kaiwa-lab/kaiwa/internal/evaluation"
)

func TestBar_Width(t *testing.T) {
	t.Parallel()

	for _, score := range []float64{-5, 0, 33, 50, 100, 140} {
		bar := Bar(score)
		if w := lipgloss.Width(bar); w != barWidth {
			t.Errorf("Bar(%v) width = %d, want %d", score, w, barWidth)
		}
	}
	if n := strings.Count(Bar(50), "█"); n != 15 {
		t.Errorf("Bar(50) filled = %d, want 15", n)
	}
}

func TestResult(t *testing.T) {
	t.Parallel()

	predicted := 615.0
	out := Result(evaluation.FinalResult{
		GrammarScore:        70,
		VocabularyScore:     64,
		NaturalnessScore:    75,
		FluencyScore:        60,
		OverallScore:        68,
		PredictedTotalScore: &predicted,
		Feedback:            "You kept the conversation going and asked good follow-up questions.",
		VocabularyInfo: []evaluation.VocabularyItem{
			{Expression: "very delicious", Suggestion: "delicious", Explanation: "delicious is already strong"},
		},
	}, 60)

	for _, want := range []string{"Overall", " 68/100", "Fluency", "Predicted", "615", "follow-up", "very delicious", "delicious is already strong"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "placeholders") {
		t.Error("placeholder warning shown for a real result")
	}
	for i, line := range strings.Split(out, "\n") {
		if w := lipgloss.Width(line); w > 60 {
			t.Errorf("line %d is %d columns wide", i, w)
		}
	}
}

func TestResult_Placeholder(t *testing.T) {
	t.Parallel()

	out := Result(evaluation.FinalResult{Placeholder: true, Feedback: evaluation.NoSpeechFeedback}, 0)
	if !strings.Contains(out, "placeholders") || strings.Contains(out, "Predicted") {
		t.Errorf("output:\n%s", out)
	}
}

func TestAPIChecks(t *testing.T) {
	t.Parallel()

	out := APIChecks([]apicheck.Result{
		{Name: "OpenAI", Status: apicheck.StatusAvailable, Message: "API key is valid", Models: 42},
		{Name: "OpenRouter", Status: apicheck.StatusUnconfigured, Message: "API key is not set"},
	})
	for _, want := range []string{"✓", "OpenAI", "42 models", "-", "API key is not set"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSelfTest(t *testing.T) {
	t.Parallel()

	if out := SelfTest(0.4, "speaker-a", nil); !strings.Contains(out, "0.40") || strings.Contains(out, "No sound") {
		t.Errorf("loud self-test:\n%s", out)
	}
	if out := SelfTest(0, "speaker-a", nil); !strings.Contains(out, "No sound") {
		t.Errorf("silent self-test:\n%s", out)
	}
	if out := SelfTest(0, "", errors.New("no input device")); !strings.Contains(out, "no input device") {
		t.Errorf("failed self-test:\n%s", out)
	}
}
