package handlers

import (
	"net/http"

	"fluxreve-server/internal/middleware"
)

// QuotaDailyCheck issues today's free grant if it has not been issued yet.
// The grant amount depends on the caller's country: request hints first,
// registration country as the fallback.
func (a *App) QuotaDailyCheck(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	country := middleware.CountryFromContext(r.Context())
	if country == "" && a.Users != nil {
		if u, err := a.Users.GetByID(r.Context(), userID); err == nil {
			country = u.RegistrationCountry
		}
	}

	issued, err := a.Quota.EnsureDailyGrant(r.Context(), userID, country)
	if err != nil {
		a.fail(w, err)
		return
	}
	balance, err := a.Quota.Balance(r.Context(), userID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"issued": issued, "balance": balance})
}

// QuotaTotal returns the caller's spendable credit balance.
func (a *App) QuotaTotal(w http.ResponseWriter, r *http.Request) {
	balance, err := a.Quota.Balance(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"total": balance})
}
