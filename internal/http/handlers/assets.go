package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fluxreve-server/internal/domain"
	"fluxreve-server/internal/middleware"
	"fluxreve-server/internal/storage"
	"fluxreve-server/internal/watermark"
	"fluxreve-server/pkg/zip"
)

const maxAssetBytes = 32 << 20

// WatermarkedAsset serves the watermarked rendition of one task result. The
// rendition is derived on first request, cached in object storage, and served
// through a short-lived redirect afterwards.
func (a *App) WatermarkedAsset(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid result index")
		return
	}

	key, err := a.ensureWatermarked(r.Context(), taskID, index)
	if err != nil {
		a.fail(w, err)
		return
	}
	url, err := a.Store.PresignGet(r.Context(), key, a.PresignTTL)
	if err != nil {
		a.fail(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// ensureWatermarked derives and stores the watermarked rendition unless it
// already exists. Concurrent requests for the same result collapse into one
// derivation.
func (a *App) ensureWatermarked(ctx context.Context, taskID string, index int) (string, error) {
	key := storage.WatermarkKey(taskID, index)
	_, err, _ := a.assets.Do(key, func() (any, error) {
		exists, err := a.Store.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, nil
		}
		src, err := a.Tasks.OriginalResult(ctx, taskID, index)
		if err != nil {
			return nil, err
		}
		data, err := a.fetchBytes(ctx, src)
		if err != nil {
			return nil, err
		}
		marked, err := watermark.Apply(data)
		if err != nil {
			return nil, fmt.Errorf("watermark result %s/%d: %w", taskID, index, err)
		}
		contentType := http.DetectContentType(marked)
		return nil, a.Store.Put(ctx, key, bytes.NewReader(marked), int64(len(marked)), contentType)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// DownloadTaskZip bundles a completed task's results into one archive.
// Owner only; non-paying owners get the watermarked renditions.
func (a *App) DownloadTaskZip(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	userID := middleware.UserIDFromContext(r.Context())
	plan := middleware.PlanFromContext(r.Context())

	t, err := a.Tasks.Get(r.Context(), taskID, userID, plan)
	if err != nil {
		a.fail(w, err)
		return
	}
	if t.UserID != userID {
		a.error(w, http.StatusForbidden, "forbidden", "not your task")
		return
	}
	if t.Status != domain.TaskStatusCompleted || len(t.Results) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "task has no downloadable results")
		return
	}

	entries := make([]zip.Entry, 0, len(t.Results))
	for i := range t.Results {
		src, err := a.Tasks.OriginalResult(r.Context(), taskID, i)
		if err != nil {
			a.fail(w, err)
			return
		}
		data, err := a.fetchBytes(r.Context(), src)
		if err != nil {
			a.fail(w, err)
			return
		}
		if !plan.Paying() {
			if data, err = watermark.Apply(data); err != nil {
				a.fail(w, fmt.Errorf("watermark result %s/%d: %w", taskID, i, err))
				return
			}
		}
		entries = append(entries, zip.Entry{
			Name: fmt.Sprintf("%s-%d%s", taskID, i, extensionFor(data)),
			Data: data,
		})
	}

	archive, err := zip.Archive(entries)
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=task-%s.zip", taskID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func (a *App) fetchBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid asset url", domain.ErrValidation)
	}
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch asset: %v", domain.ErrProviderFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch asset: status %d", domain.ErrProviderFailure, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read asset: %v", domain.ErrProviderFailure, err)
	}
	return data, nil
}

func extensionFor(data []byte) string {
	if http.DetectContentType(data) == "image/jpeg" {
		return ".jpg"
	}
	return ".png"
}
