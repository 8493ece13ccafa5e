package handlers

import (
	"net/http"

	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
)

// ListSessions handles GET /auth/sessions
func (h *AccountHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	sessions, err := h.accounts.ListSessions(r.Context(), session.UserID, session.SessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []models.SessionSummary{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

// RevokeSession handles DELETE /auth/sessions/{sessionID}. Revoking a
// session that belongs to someone else is answered with 403.
func (h *AccountHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	target := chi.URLParam(r, "sessionID")
	if target == "" {
		writeValidation(w, "sessionID: this field is required")
		return
	}

	if err := h.accounts.RevokeSession(r.Context(), session.UserID, target, h.ip.ClientIP(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	if target == session.SessionID {
		h.cookies.ClearSession(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeOtherSessions handles DELETE /auth/sessions
func (h *AccountHandler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	n, err := h.accounts.RevokeOtherSessions(r.Context(), session.UserID, session.SessionID, h.ip.ClientIP(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, RevokeSessionsResponse{Revoked: n})
}
