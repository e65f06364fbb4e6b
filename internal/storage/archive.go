// Package storage persists finished sessions.
//
// The [Archive] writes one folder per evaluated session under a base
// directory, named TestRecord_YYYYMMDD_NNN with NNN counting up per day:
//
//	conversation.json          transcript, score history and evaluation
//	conversation_ai.wav        agent audio, mono PCM16 at 24 kHz
//	conversation_student.wav   microphone audio, mono PCM16 at 24 kHz
//	conversation_memos.txt     observation notes, when any were filed
//
// The [ProgressStore] keeps per-activity progress in SQLite so a practice
// round spanning several activities survives restarts.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kaiwa-lab/kaiwa/internal/evaluation"
	"github.com/kaiwa-lab/kaiwa/internal/transcript"
)

const (
	recordPrefix  = "TestRecord_"
	baseName      = "conversation"
	recordDateFmt = "20060102"

	// ArchiveSampleRate is the rate of the archived recordings.
	ArchiveSampleRate = 24000
)

// Session is everything the archive stores about one evaluated session.
type Session struct {
	ID        string
	Scenario  string
	Persona   string
	Voice     string
	StartedAt time.Time
	Activity  time.Duration
	EndReason string

	Turns   []transcript.Turn
	Notes   []transcript.Note
	History []evaluation.Snapshot
	Result  evaluation.FinalResult

	AIAudio      []int16
	StudentAudio []int16
}

// Document is the content of conversation.json.
type Document struct {
	SessionID       string                 `json:"session_id"`
	Scenario        string                 `json:"scenario"`
	Persona         string                 `json:"persona"`
	Voice           string                 `json:"voice"`
	StartedAt       time.Time              `json:"started_at"`
	ActivitySeconds float64                `json:"activity_seconds"`
	EndReason       string                 `json:"end_reason"`
	Transcript      string                 `json:"conversation_transcript"`
	Turns           []transcript.Turn      `json:"conversation_history"`
	ScoreHistory    []evaluation.Snapshot  `json:"score_history"`
	Evaluation      evaluation.FinalResult `json:"evaluation"`
	Timestamp       time.Time              `json:"timestamp"`
}

// RecordInfo describes one archived folder.
type RecordInfo struct {
	Name string
	Path string
	Date time.Time
	Seq  int

	// HasConversation reports whether conversation.json is present.
	HasConversation bool
}

// Archive writes session folders under Dir. It is safe for concurrent use.
type Archive struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewArchive returns an Archive rooted at dir. now stamps folder names and
// documents; nil means time.Now.
func NewArchive(dir string, now func() time.Time) *Archive {
	if now == nil {
		now = time.Now
	}
	return &Archive{dir: dir, now: now}
}

// Dir returns the base directory.
func (a *Archive) Dir() string { return a.dir }

// Save writes s into a new record folder and returns its path. Recordings
// and memos are skipped when empty; a failure writing them is logged and
// joined into the returned error but the folder and JSON remain.
func (a *Archive) Save(s Session) (string, error) {
	now := a.now()
	dir, err := a.newRecordDir(now)
	if err != nil {
		return "", err
	}

	doc := Document{
		SessionID:       s.ID,
		Scenario:        s.Scenario,
		Persona:         s.Persona,
		Voice:           s.Voice,
		StartedAt:       s.StartedAt,
		ActivitySeconds: s.Activity.Seconds(),
		EndReason:       s.EndReason,
		Transcript:      transcript.Format(s.Turns, s.Notes),
		Turns:           s.Turns,
		ScoreHistory:    s.History,
		Evaluation:      s.Result,
		Timestamp:       now,
	}
	if doc.Turns == nil {
		doc.Turns = []transcript.Turn{}
	}
	if doc.ScoreHistory == nil {
		doc.ScoreHistory = []evaluation.Snapshot{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return dir, fmt.Errorf("storage: encode %s.json: %w", baseName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, baseName+".json"), data, 0o644); err != nil {
		return dir, fmt.Errorf("storage: %w", err)
	}

	var errs []error
	if len(s.AIAudio) > 0 {
		errs = append(errs, writeWAVFile(filepath.Join(dir, baseName+"_ai.wav"), s.AIAudio, ArchiveSampleRate))
	}
	if len(s.StudentAudio) > 0 {
		errs = append(errs, writeWAVFile(filepath.Join(dir, baseName+"_student.wav"), s.StudentAudio, ArchiveSampleRate))
	}
	if len(s.Notes) > 0 {
		memos := transcript.FormatMemos(s.Notes)
		if err := os.WriteFile(filepath.Join(dir, baseName+"_memos.txt"), []byte(memos), 0o644); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("storage: archive incomplete", "dir", dir, "err", err)
		return dir, err
	}

	slog.Info("storage: session archived", "dir", dir, "session_id", s.ID)
	return dir, nil
}

// newRecordDir creates the next free TestRecord folder for day.
func (a *Archive) newRecordDir(day time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create archive dir: %w", err)
	}
	prefix := recordPrefix + day.Format(recordDateFmt) + "_"
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return "", fmt.Errorf("storage: list archive: %w", err)
	}
	seq := 0
	for _, e := range entries {
		if n, ok := strings.CutPrefix(e.Name(), prefix); ok && e.IsDir() {
			if v, err := strconv.Atoi(n); err == nil && v > seq {
				seq = v
			}
		}
	}

	// Another process may race us for the same name; Mkdir fails on an
	// existing folder, so move on to the next number.
	for range 100 {
		seq++
		dir := filepath.Join(a.dir, fmt.Sprintf("%s%03d", prefix, seq))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("storage: create record dir: %w", err)
		}
	}
	return "", fmt.Errorf("storage: no free record folder for %s", day.Format(recordDateFmt))
}

// List returns every record folder, newest first.
func (a *Archive) List() ([]RecordInfo, error) {
	entries, err := os.ReadDir(a.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list archive: %w", err)
	}

	var out []RecordInfo
	for _, e := range entries {
		info, ok := parseRecordName(e.Name())
		if !ok || !e.IsDir() {
			continue
		}
		info.Path = filepath.Join(a.dir, e.Name())
		_, err := os.Stat(filepath.Join(info.Path, baseName+".json"))
		info.HasConversation = err == nil
		out = append(out, info)
	}
	slices.SortFunc(out, func(x, y RecordInfo) int {
		if c := y.Date.Compare(x.Date); c != 0 {
			return c
		}
		return y.Seq - x.Seq
	})
	return out, nil
}

// ErrNotFound is returned by [Archive.Load] for a missing or malformed
// record name.
var ErrNotFound = errors.New("storage: record not found")

// Load reads conversation.json from the named record folder.
func (a *Archive) Load(name string) (Document, error) {
	if _, ok := parseRecordName(name); !ok {
		return Document{}, fmt.Errorf("%w: invalid name %q", ErrNotFound, name)
	}
	data, err := os.ReadFile(filepath.Join(a.dir, name, baseName+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Document{}, fmt.Errorf("storage: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("storage: decode %s: %w", name, err)
	}
	return doc, nil
}

func parseRecordName(name string) (RecordInfo, bool) {
	rest, ok := strings.CutPrefix(name, recordPrefix)
	if !ok {
		return RecordInfo{}, false
	}
	date, seqStr, ok := strings.Cut(rest, "_")
	if !ok {
		return RecordInfo{}, false
	}
	day, err := time.ParseInLocation(recordDateFmt, date, time.Local)
	if err != nil {
		return RecordInfo{}, false
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil || seq < 1 {
		return RecordInfo{}, false
	}
	return RecordInfo{Name: name, Date: day, Seq: seq}, true
}
