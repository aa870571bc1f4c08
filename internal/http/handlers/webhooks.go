package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 1 << 20

// ProviderWebhook applies one provider callback. Replayed callbacks are
// acknowledged so providers stop retrying.
func (a *App) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	taskID := chi.URLParam(r, "taskID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if err := a.Tasks.HandleWebhook(r.Context(), provider, taskID, body); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"received": true})
}
