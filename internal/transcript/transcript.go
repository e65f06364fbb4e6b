// Package transcript holds the per-session conversation record: the ordered
// turns exchanged between the agent and the student, the private observation
// notes the agent files through its note tool, and the text rendering both
// are scored from.
//
// Turns are appended in the order their completion events arrive. Agent text
// arrives as incremental deltas which are concatenated into one pending turn
// and committed when the response completes or the student speaks.
//
// All types are safe for concurrent use.
package transcript

import (
	"slices"
	"strings"
	"sync"
)

// Role attributes a turn to one side of the conversation.
type Role string

const (
	// RoleAI is the agent persona.
	RoleAI Role = "ai"

	// RoleStudent is the human speaker.
	RoleStudent Role = "student"
)

// Turn is one utterance. Turns are never modified after they are appended.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Transcript is the append-only turn list of one session.
type Transcript struct {
	mu      sync.Mutex
	turns   []Turn
	pending strings.Builder
}

// New returns an empty Transcript.
func New() *Transcript { return &Transcript{} }

// AppendAIDelta extends the agent turn currently being spoken.
func (t *Transcript) AppendAIDelta(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending.WriteString(text)
}

// CommitAI closes the pending agent turn, if any.
func (t *Transcript) CommitAI() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitLocked()
}

// AppendStudent appends a finished student utterance. A pending agent turn is
// committed first so interruptions keep their order. Blank text is ignored.
func (t *Transcript) AppendStudent(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitLocked()
	t.turns = append(t.turns, Turn{Role: RoleStudent, Text: text})
}

func (t *Transcript) commitLocked() {
	text := strings.TrimSpace(t.pending.String())
	t.pending.Reset()
	if text != "" {
		t.turns = append(t.turns, Turn{Role: RoleAI, Text: text})
	}
}

// Turns returns a snapshot of the committed turns followed by the pending
// agent text, if any.
func (t *Transcript) Turns() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := slices.Clone(t.turns)
	if p := strings.TrimSpace(t.pending.String()); p != "" {
		out = append(out, Turn{Role: RoleAI, Text: p})
	}
	return out
}

// Len returns the number of turns, counting pending agent text as one.
func (t *Transcript) Len() int {
	return len(t.Turns())
}

// Empty reports whether nothing has been said yet.
func (t *Transcript) Empty() bool { return t.Len() == 0 }

// Reset discards every turn.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = nil
	t.pending.Reset()
}
