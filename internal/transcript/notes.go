package transcript

import (
	"slices"
	"sync"
	"time"
)

// Category classifies an observation note.
type Category string

const (
	CategoryGrammar       Category = "grammar"
	CategoryVocabulary    Category = "vocabulary"
	CategoryPronunciation Category = "pronunciation"
	CategoryFluency       Category = "fluency"
	CategoryAttitude      Category = "attitude"
	CategoryOther         Category = "other"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryGrammar,
	CategoryVocabulary,
	CategoryPronunciation,
	CategoryFluency,
	CategoryAttitude,
	CategoryOther,
}

// ParseCategory maps s to a known category, falling back to [CategoryOther].
func ParseCategory(s string) Category {
	c := Category(s)
	if slices.Contains(Categories, c) {
		return c
	}
	return CategoryOther
}

// Note is a private observation about the student filed by the agent.
type Note struct {
	Category Category  `json:"category"`
	Text     string    `json:"note"`
	At       time.Time `json:"timestamp,omitzero"`
}

// Notes accumulates the observation notes of one session.
type Notes struct {
	mu    sync.Mutex
	notes []Note
}

// Add appends n.
func (n *Notes) Add(note Note) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

// All returns a snapshot of every note in filing order.
func (n *Notes) All() []Note {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.notes)
}

// Len returns the number of notes.
func (n *Notes) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

// Reset discards every note.
func (n *Notes) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = nil
}
