package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/kaiwa-lab/kaiwa/internal/apicheck"
	"github.com/kaiwa-lab/kaiwa/internal/conversation"
	"github.com/kaiwa-lab/kaiwa/internal/health"
	"github.com/kaiwa-lab/kaiwa/internal/observe"
	"github.com/kaiwa-lab/kaiwa/internal/resilience"
	"github.com/kaiwa-lab/kaiwa/internal/storage"
)

// apiCheckTTL caches the model-listing readiness check.
const apiCheckTTL = 5 * time.Minute

// maxBodyBytes caps control request bodies.
const maxBodyBytes = 1 << 20

// routes builds the control surface:
//
//	GET    /session                  status snapshot
//	POST   /session/{action}         start, pause, resume, cancel, reset, feedback
//	GET    /progress                 every saved activity
//	PUT    /progress/{activity}      report a sibling assessment
//	DELETE /progress[/{activity}]    clear one or all activities
//	GET    /records[/{name}]         archived sessions
//	GET    /checks                   API key check and breaker states
//	GET    /healthz, /readyz, /metrics
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /session", a.handleStatus)
	mux.HandleFunc("POST /session/{action}", a.handleSessionAction)

	mux.HandleFunc("GET /progress", a.handleProgressList)
	mux.HandleFunc("PUT /progress/{activity}", a.handleProgressPut)
	mux.HandleFunc("DELETE /progress", a.handleProgressClear)
	mux.HandleFunc("DELETE /progress/{activity}", a.handleProgressDelete)

	mux.HandleFunc("GET /records", a.handleRecordList)
	mux.HandleFunc("GET /records/{name}", a.handleRecordGet)

	mux.HandleFunc("GET /checks", a.handleChecks)

	health.New(
		health.Checker{Name: "progress", Check: a.progress.Ping},
		health.Checker{Name: "api", Check: health.Cached(a.checker.Ready, apiCheckTTL)},
	).Register(mux)
	mux.Handle("GET /metrics", a.scrape)

	return observe.Middleware(a.metrics)(mux)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// sessionErrorStatus maps orchestrator errors to HTTP status codes.
func sessionErrorStatus(err error) int {
	var connErr *conversation.ConnectionError
	switch {
	case errors.Is(err, conversation.ErrSessionActive), errors.Is(err, conversation.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrUnknownScenario):
		return http.StatusBadRequest
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Orchestrator().Status())
}

type startRequest struct {
	Scenario string `json:"scenario"`
}

type feedbackResponse struct {
	Sent bool `json:"sent"`
}

func (a *App) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	action := r.PathValue("action")

	var err error
	switch action {
	case "start":
		var req startRequest
		if err := decodeOptional(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var opts []conversation.StartOption
		if req.Scenario != "" {
			opts = append(opts, conversation.WithScenario(req.Scenario))
		}
		// The session outlives the request.
		err = a.orchestrator().Start(context.WithoutCancel(r.Context()), opts...)
	case "pause":
		err = a.Orchestrator().Pause()
	case "resume":
		err = a.Orchestrator().Resume()
	case "cancel":
		err = a.Orchestrator().Cancel()
	case "reset":
		err = a.Orchestrator().Reset()
	case "feedback":
		sent, ferr := a.Orchestrator().RequestInlineFeedback()
		if ferr != nil {
			writeError(w, sessionErrorStatus(ferr), ferr)
			return
		}
		writeJSON(w, http.StatusOK, feedbackResponse{Sent: sent})
		return
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		log.Warn("session action failed", "action", action, "err", err)
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.Orchestrator().Status())
}

// decodeOptional decodes a JSON body into v; an empty body leaves v as is.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (a *App) handleProgressList(w http.ResponseWriter, r *http.Request) {
	all, err := a.progress.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (a *App) handleProgressPut(w http.ResponseWriter, r *http.Request) {
	var p storage.Progress
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p.Activity = r.PathValue("activity")
	switch p.Activity {
	case storage.ActivityListening, storage.ActivityGrammar, storage.ActivityConversation:
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown activity "+p.Activity))
		return
	}
	if err := a.progress.Save(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	saved, _, err := a.progress.Load(r.Context(), p.Activity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *App) handleProgressClear(w http.ResponseWriter, r *http.Request) {
	if err := a.progress.ClearAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleProgressDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.progress.Delete(r.Context(), r.PathValue("activity")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleRecordList(w http.ResponseWriter, _ *http.Request) {
	records, err := a.archive.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *App) handleRecordGet(w http.ResponseWriter, r *http.Request) {
	doc, err := a.archive.Load(r.PathValue("name"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type checksResponse struct {
	Keys     []apicheck.Result                      `json:"keys"`
	Breakers map[string]map[string]resilience.State `json:"breakers"`
}

func (a *App) handleChecks(w http.ResponseWriter, r *http.Request) {
	resp := checksResponse{
		Keys:     a.checker.CheckAll(r.Context()),
		Breakers: make(map[string]map[string]resilience.State, len(a.breakers)),
	}
	for kind, states := range a.breakers {
		resp.Breakers[kind] = states()
	}
	writeJSON(w, http.StatusOK, resp)
}
