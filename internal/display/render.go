package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kaiwa-lab/kaiwa/internal/apicheck"
	"github.com/kaiwa-lab/kaiwa/internal/evaluation"
)

const (
	barWidth       = 30
	defaultWidth   = 72
	feedbackIndent = 2
)

// Bar renders score on a 0-100 scale as a fixed-width gauge.
func Bar(score float64) string {
	score = min(max(score, 0), 100)
	filled := int(score*barWidth/100 + 0.5)
	return levelStyle(score).Render(strings.Repeat("█", filled)) +
		dimStyle.Render(strings.Repeat("░", barWidth-filled))
}

// Result renders a final evaluation as a boxed report wrapped to width
// columns. Zero width means 72.
func Result(res evaluation.FinalResult, width int) string {
	if width <= 0 {
		width = defaultWidth
	}

	rows := []struct {
		label string
		score float64
	}{
		{"Overall", res.OverallScore},
		{"Grammar", res.GrammarScore},
		{"Vocabulary", res.VocabularyScore},
		{"Naturalness", res.NaturalnessScore},
		{"Fluency", res.FluencyScore},
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Conversation result"))
	b.WriteString("\n\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%s %s %s\n",
			labelStyle.Render(r.label),
			Bar(r.score),
			valueStyle.Render(fmt.Sprintf("%3.0f/100", r.score)),
		)
	}
	if res.PredictedTotalScore != nil {
		fmt.Fprintf(&b, "\n%s %s\n", labelStyle.Render("Predicted"), valueStyle.Render(fmt.Sprintf("%.0f", *res.PredictedTotalScore)))
	}
	if res.Placeholder {
		b.WriteString("\n" + poorStyle.Render("Scores are placeholders; see the feedback below.") + "\n")
	}

	if fb := strings.TrimSpace(res.Feedback); fb != "" {
		b.WriteString("\n" + titleStyle.Render("Feedback") + "\n")
		body := lipgloss.NewStyle().Width(width - 4 - feedbackIndent).PaddingLeft(feedbackIndent)
		b.WriteString(body.Render(fb))
		b.WriteString("\n")
	}

	if len(res.VocabularyInfo) > 0 {
		b.WriteString("\n" + titleStyle.Render("Vocabulary") + "\n")
		for _, v := range res.VocabularyInfo {
			line := "  • " + v.Expression
			if v.Suggestion != "" {
				line += " → " + goodStyle.Render(v.Suggestion)
			}
			b.WriteString(line + "\n")
			if v.Explanation != "" {
				b.WriteString(dimStyle.Render("    "+v.Explanation) + "\n")
			}
		}
	}

	return boxStyle.Width(width - 2).Render(strings.TrimRight(b.String(), "\n"))
}

// APIChecks renders one line per endpoint check.
func APIChecks(results []apicheck.Result) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("API check"))
	for _, r := range results {
		var mark string
		switch r.Status {
		case apicheck.StatusAvailable:
			mark = goodStyle.Render("✓")
		case apicheck.StatusUnconfigured:
			mark = fairStyle.Render("-")
		default:
			mark = poorStyle.Render("✗")
		}
		fmt.Fprintf(&b, "\n %s %s %s", mark, labelStyle.Width(16).Render(r.Name), r.Message)
		if r.Status == apicheck.StatusAvailable {
			b.WriteString(dimStyle.Render(fmt.Sprintf(" (%d models, %s)", r.Models, r.Latency.Round(time.Millisecond))))
		}
	}
	return b.String()
}

// SelfTest reports a microphone/speaker check. level is the recorded peak
// on a 0-1 scale.
func SelfTest(level float64, device string, err error) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Audio self-test"))
	if err != nil {
		b.WriteString("\n " + poorStyle.Render("✗ "+err.Error()))
		return b.String()
	}
	fmt.Fprintf(&b, "\n %s %s", labelStyle.Render("Output"), device)
	fmt.Fprintf(&b, "\n %s %s %s", labelStyle.Render("Mic peak"), Bar(level*100), valueStyle.Render(fmt.Sprintf("%.2f", level)))
	if level < 0.01 {
		b.WriteString("\n " + fairStyle.Render("No sound detected. Check the microphone."))
	}
	return b.String()
}
