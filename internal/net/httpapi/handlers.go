// Package httpapi exposes the engine over a JSON REST surface. It is one
// of the interchangeable transports: everything it does goes through the
// same engine calls a websocket or broker consumer would use.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"turnroom/internal/archive"
	"turnroom/internal/engine"
	"turnroom/internal/quota"
	"turnroom/internal/room"
	"turnroom/internal/state"
	"turnroom/internal/store"
	"turnroom/internal/sub"
)

// wireVersion tags every response body so external collaborators can detect
// format changes.
const wireVersion = 1

type Handler struct {
	engine *engine.Engine
	log    *zap.SugaredLogger
}

// New returns a router serving the engine's REST surface.
func New(eng *engine.Engine, log *zap.SugaredLogger) http.Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Handler{engine: eng, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/diagnostics", h.diagnostics).Methods(http.MethodGet)

	r.HandleFunc("/rooms", h.createRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room}", h.snapshot).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/join", h.join).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room}/players/{player}/mutations", h.mutate).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room}/leaderboard", h.leaderboardTop).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/leaderboard/{player}", h.leaderboardAround).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/archive", h.archived).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/subscribers", h.subscribe).Methods(http.MethodPost)

	r.HandleFunc("/subscribers/{sub}/poll", h.poll).Methods(http.MethodGet)
	r.HandleFunc("/subscribers/{sub}/heartbeat", h.heartbeat).Methods(http.MethodPost)
	r.HandleFunc("/subscribers/{sub}", h.unsubscribe).Methods(http.MethodDelete)
	return r
}

type createRoomRequest struct {
	ID string `json:"id"`
}

type roomResponse struct {
	Ver      int             `json:"ver"`
	Snapshot *state.Snapshot `json:"snapshot"`
}

type joinRequest struct {
	Name string `json:"name"`
}

type joinResponse struct {
	Ver      int             `json:"ver"`
	PlayerID string          `json:"playerId"`
	Snapshot *state.Snapshot `json:"snapshot"`
}

type mutationRequest struct {
	BaseVersion uint64          `json:"baseVersion"`
	Mutation    engine.Mutation `json:"mutation"`
}

type subscribeResponse struct {
	Ver          int    `json:"ver"`
	SubscriberID string `json:"subscriberId"`
	CadenceMS    int64  `json:"cadenceMs"`
}

type pollResponse struct {
	Ver       int   `json:"ver"`
	CadenceMS int64 `json:"cadenceMs"`
	sub.Update
}

type errorResponse struct {
	Ver       int    `json:"ver"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if r.Body != nil {
		// A missing or empty body just means "generate an id".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	snap, err := h.engine.CreateRoom(req.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, roomResponse{Ver: wireVersion, Snapshot: snap})
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(mux.Vars(r)["room"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, roomResponse{Ver: wireVersion, Snapshot: snap})
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Ver: wireVersion, Error: "invalid request body"})
		return
	}
	playerID, snap, err := h.engine.JoinRoom(mux.Vars(r)["room"], req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, joinResponse{Ver: wireVersion, PlayerID: playerID, Snapshot: snap})
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request) {
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Ver: wireVersion, Error: "invalid request body"})
		return
	}
	vars := mux.Vars(r)
	snap, err := h.engine.SubmitMutation(vars["room"], vars["player"], req.BaseVersion, req.Mutation)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, roomResponse{Ver: wireVersion, Snapshot: snap})
}

func (h *Handler) leaderboardTop(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	entries, err := h.engine.LeaderboardTop(mux.Vars(r)["room"], n)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Ver     int `json:"ver"`
		Entries any `json:"entries"`
	}{wireVersion, entries})
}

func (h *Handler) leaderboardAround(w http.ResponseWriter, r *http.Request) {
	window, _ := strconv.Atoi(r.URL.Query().Get("window"))
	vars := mux.Vars(r)
	entries, err := h.engine.LeaderboardAround(vars["room"], vars["player"], window)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Ver     int `json:"ver"`
		Entries any `json:"entries"`
	}{wireVersion, entries})
}

func (h *Handler) archived(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.ArchivedRoom(mux.Vars(r)["room"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, roomResponse{Ver: wireVersion, Snapshot: snap})
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	subscriberID, err := h.engine.Subscribe(mux.Vars(r)["room"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	cadence, _ := h.engine.SubscriberCadence(subscriberID)
	h.writeJSON(w, http.StatusCreated, subscribeResponse{
		Ver:          wireVersion,
		SubscriberID: subscriberID,
		CadenceMS:    cadence.Milliseconds(),
	})
}

func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	update, err := h.engine.Poll(mux.Vars(r)["sub"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pollResponse{
		Ver:       wireVersion,
		CadenceMS: update.Cadence.Milliseconds(),
		Update:    update,
	})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Heartbeat(mux.Vars(r)["sub"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Unsubscribe(mux.Vars(r)["sub"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) diagnostics(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Diagnostics())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Errorw("encode response", "err", err)
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError maps the engine's error taxonomy onto HTTP statuses. Validation
// failures are conflicts the caller retries; unknown references are 404s.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	retryable := false
	switch {
	case errors.Is(err, store.ErrRoomNotFound),
		errors.Is(err, sub.ErrSubscriberNotFound),
		errors.Is(err, room.ErrPlayerNotFound),
		errors.Is(err, archive.ErrNotArchived):
		status = http.StatusNotFound
	case errors.Is(err, room.ErrStaleWrite):
		status = http.StatusConflict
		retryable = true
	case errors.Is(err, room.ErrNotYourTurn), errors.Is(err, room.ErrNotHost):
		status = http.StatusForbidden
	case errors.Is(err, room.ErrInvalidPhaseTransition), errors.Is(err, room.ErrInvalidScore),
		errors.Is(err, store.ErrRoomExists):
		status = http.StatusConflict
	case errors.Is(err, quota.ErrQuotaExceeded):
		status = http.StatusRequestEntityTooLarge
	}
	if status == http.StatusInternalServerError {
		h.log.Errorw("request failed", "err", err)
	}
	h.writeJSON(w, status, errorResponse{Ver: wireVersion, Error: err.Error(), Retryable: retryable})
}
