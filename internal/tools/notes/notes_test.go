package notes_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kaiwa-lab/kaiwa/internal/tools"
	"github.com/kaiwa-lab/kaiwa/internal/tools/notes"
	"github.com/kaiwa-lab/kaiwa/internal/transcript"
)

func TestNoteTool(t *testing.T) {
	t.Parallel()

	var store transcript.Notes
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r, err := tools.NewRegistry(notes.Tool(&store, func() time.Time { return at }))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	out, err := r.Handle(context.Background(), notes.Name, `{"category":"grammar","note":"Used past tense correctly"}`)
	if err != nil || out != "Note recorded." {
		t.Fatalf("Handle = (%q, %v)", out, err)
	}
	out, err = r.Handle(context.Background(), notes.Name, `{"category":"fluency","note":"   "}`)
	if err != nil || out != "No note provided." {
		t.Fatalf("blank note: Handle = (%q, %v)", out, err)
	}

	got := store.All()
	if len(got) != 1 {
		t.Fatalf("notes = %+v", got)
	}
	want := transcript.Note{Category: transcript.CategoryGrammar, Text: "Used past tense correctly", At: at}
	if got[0] != want {
		t.Errorf("note = %+v, want %+v", got[0], want)
	}
}

func TestNoteTool_RejectsUnknownCategory(t *testing.T) {
	t.Parallel()

	var store transcript.Notes
	r, _ := tools.NewRegistry(notes.Tool(&store, nil))
	_, err := r.Handle(context.Background(), notes.Name, `{"category":"charisma","note":"x"}`)
	if !errors.Is(err, tools.ErrInvalidArguments) {
		t.Fatalf("err = %v, want ErrInvalidArguments", err)
	}
	if store.Len() != 0 {
		t.Error("note stored despite invalid category")
	}
}
