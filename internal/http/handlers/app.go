// Package handlers implements the HTTP surface of the API. Handlers decode
// and validate transport concerns only; lifecycle and policy live in the
// services they call into.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"fluxreve-server/internal/domain"
	"fluxreve-server/internal/quota"
	"fluxreve-server/internal/storage"
	"fluxreve-server/internal/task"
)

// App carries the wired services shared by all HTTP handlers.
type App struct {
	Tasks *task.Service
	Quota *quota.Service
	Loras domain.LoraRepository
	Users domain.UserRepository
	Store storage.ObjectStore
	Log   zerolog.Logger

	// HTTPClient fetches provider-hosted originals for derivation.
	HTTPClient *http.Client
	// PresignTTL bounds the lifetime of redirect URLs for stored assets.
	PresignTTL time.Duration

	assets singleflight.Group
}

// NewApp wires the handler set with sensible client defaults.
func NewApp(
	tasks *task.Service,
	quotaSvc *quota.Service,
	loras domain.LoraRepository,
	users domain.UserRepository,
	store storage.ObjectStore,
	log zerolog.Logger,
) *App {
	return &App{
		Tasks:      tasks,
		Quota:      quotaSvc,
		Loras:      loras,
		Users:      users,
		Store:      store,
		Log:        log,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		PresignTTL: 15 * time.Minute,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// fail maps domain errors onto HTTP statuses. Unknown errors are logged and
// reported as an opaque 500.
func (a *App) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrDuplicateOperation):
		a.error(w, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, domain.ErrProviderFailure):
		a.error(w, http.StatusBadGateway, "provider_failure", err.Error())
	default:
		a.Log.Error().Err(err).Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
