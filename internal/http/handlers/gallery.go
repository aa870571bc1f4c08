package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ShareTask resolves a public share link. Assets are always watermarked on
// this surface.
func (a *App) ShareTask(w http.ResponseWriter, r *http.Request) {
	shareID := chi.URLParam(r, "shareID")
	t, err := a.Tasks.Share(r.Context(), shareID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, toTaskPayload(t))
}

// Explore serves the public gallery of completed, non-private tasks.
func (a *App) Explore(w http.ResponseWriter, r *http.Request) {
	page, err := a.Tasks.Explore(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		a.fail(w, err)
		return
	}
	items := make([]taskPayload, len(page.Tasks))
	for i := range page.Tasks {
		items[i] = toTaskPayload(&page.Tasks[i])
	}
	a.json(w, http.StatusOK, map[string]any{"items": items, "total": page.Total})
}
