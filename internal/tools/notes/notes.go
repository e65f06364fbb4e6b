// Package notes provides the "note_student_performance" tool, through which
// the agent files hidden observations used by the final evaluation.
package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaiwa-lab/kaiwa/internal/tools"
	"github.com/kaiwa-lab/kaiwa/internal/transcript"
)

// Name is the function name the agent calls.
const Name = "note_student_performance"

// Recorder stores filed notes.
type Recorder interface {
	Add(transcript.Note)
}

type args struct {
	Category string `json:"category"`
	Note     string `json:"note"`
}

// Tool returns the note tool appending to rec. now stamps each note; nil
// means time.Now.
func Tool(rec Recorder, now func() time.Time) tools.Tool {
	if now == nil {
		now = time.Now
	}
	categories := make([]string, len(transcript.Categories))
	for i, c := range transcript.Categories {
		categories[i] = string(c)
	}
	return tools.Tool{
		Name:        Name,
		Description: "Record a hidden note about the student's performance, characteristics, mistakes, or good points. Use this frequently during the conversation to build a profile for the final evaluation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"enum":        categories,
					"description": "The category of the observation",
				},
				"note": map[string]any{
					"type":        "string",
					"description": "The content of the note (e.g., 'Used past tense correctly', 'Struggled with th sound', 'Good use of idiom')",
				},
			},
			"required": []string{"category", "note"},
		},
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var a args
			if err := json.Unmarshal(raw, &a); err != nil {
				return "", fmt.Errorf("notes: decode arguments: %w", err)
			}
			text := strings.TrimSpace(a.Note)
			if text == "" {
				return "No note provided.", nil
			}
			rec.Add(transcript.Note{
				Category: transcript.ParseCategory(a.Category),
				Text:     text,
				At:       now(),
			})
			return "Note recorded.", nil
		},
	}
}
