package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fluxreve-server/internal/domain"
	"fluxreve-server/internal/middleware"
)

type loraRequest struct {
	URL              string   `json:"url"`
	TriggerWord      string   `json:"trigger_word"`
	Prompt           string   `json:"prompt"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	CompatibleModels []string `json:"compatible_models"`
	AssetURLs        []string `json:"asset_urls"`
}

type loraPayload struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	URL              string    `json:"url"`
	TriggerWord      string    `json:"trigger_word"`
	Prompt           string    `json:"prompt,omitempty"`
	Title            string    `json:"title,omitempty"`
	Description      string    `json:"description,omitempty"`
	CompatibleModels []string  `json:"compatible_models"`
	AssetURLs        []string  `json:"asset_urls"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toLoraPayload(l *domain.Lora) loraPayload {
	models := l.CompatibleModels
	if models == nil {
		models = []string{}
	}
	assets := l.AssetURLs
	if assets == nil {
		assets = []string{}
	}
	return loraPayload{
		ID:               l.ID,
		UserID:           l.UserID,
		URL:              l.URL,
		TriggerWord:      l.TriggerWord,
		Prompt:           l.Prompt,
		Title:            l.Title,
		Description:      l.Description,
		CompatibleModels: models,
		AssetURLs:        assets,
		CreatedAt:        l.CreatedAt,
		UpdatedAt:        l.UpdatedAt,
	}
}

func (a *App) CreateLora(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	var req loraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.URL == "" || req.TriggerWord == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "url and trigger_word are required")
		return
	}
	now := time.Now().UTC()
	lora := &domain.Lora{
		ID:               uuid.NewString(),
		UserID:           userID,
		URL:              req.URL,
		TriggerWord:      req.TriggerWord,
		Prompt:           req.Prompt,
		Title:            req.Title,
		Description:      req.Description,
		CompatibleModels: req.CompatibleModels,
		AssetURLs:        req.AssetURLs,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.Loras.Create(r.Context(), lora); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusCreated, toLoraPayload(lora))
}

func (a *App) GetLora(w http.ResponseWriter, r *http.Request) {
	lora, err := a.Loras.GetByID(r.Context(), chi.URLParam(r, "loraID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, toLoraPayload(lora))
}

func (a *App) ListLoras(w http.ResponseWriter, r *http.Request) {
	filter := domain.LoraFilter{
		UserID: r.URL.Query().Get("user_id"),
		Model:  r.URL.Query().Get("model"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	loras, err := a.Loras.List(r.Context(), filter)
	if err != nil {
		a.fail(w, err)
		return
	}
	items := make([]loraPayload, len(loras))
	for i := range loras {
		items[i] = toLoraPayload(&loras[i])
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) UpdateLora(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	lora, err := a.Loras.GetByID(r.Context(), chi.URLParam(r, "loraID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	if lora.UserID != userID {
		a.error(w, http.StatusForbidden, "forbidden", "not your lora")
		return
	}
	var req loraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.URL != "" {
		lora.URL = req.URL
	}
	if req.TriggerWord != "" {
		lora.TriggerWord = req.TriggerWord
	}
	if req.Prompt != "" {
		lora.Prompt = req.Prompt
	}
	if req.Title != "" {
		lora.Title = req.Title
	}
	if req.Description != "" {
		lora.Description = req.Description
	}
	if req.CompatibleModels != nil {
		lora.CompatibleModels = req.CompatibleModels
	}
	if req.AssetURLs != nil {
		lora.AssetURLs = req.AssetURLs
	}
	lora.UpdatedAt = time.Now().UTC()
	if err := a.Loras.Update(r.Context(), lora); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, toLoraPayload(lora))
}

func (a *App) DeleteLora(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	lora, err := a.Loras.GetByID(r.Context(), chi.URLParam(r, "loraID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	if lora.UserID != userID {
		a.error(w, http.StatusForbidden, "forbidden", "not your lora")
		return
	}
	if err := a.Loras.Delete(r.Context(), lora.ID); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
