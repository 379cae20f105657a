package server

import (
	"errors"
	"net/http"

	"github.com/qaforge/bugsift/internal/auth"
	"github.com/qaforge/bugsift/internal/model"
	"github.com/qaforge/bugsift/internal/storage"
)

// HandleAuthToken handles POST /auth/token: exchanges a key_id/api_key
// pair for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	key, err := h.db.GetAPIKeyByKeyID(r.Context(), req.KeyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn the same hashing cost so timing does not reveal
			// whether the key_id exists.
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, key.KeyHash)
	if err != nil || !valid || key.Disabled {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(key)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Best-effort; failure to stamp last_used_at must not block the token.
	if err := h.db.TouchAPIKey(r.Context(), key.ID); err != nil {
		h.logger.Warn("touch api key failed", "key_id", key.KeyID, "error", err)
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
