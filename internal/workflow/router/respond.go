package router

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/openweave/weave/internal/apperr"
	"github.com/openweave/weave/internal/auth"
)

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{
		Message: err.Error(),
		Code:    string(apperr.KindOf(err)),
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Message: message,
		Code:    string(apperr.KindValidation),
	})
}

// currentUser resolves the authenticated user or answers 401.
func currentUser(w http.ResponseWriter, r *http.Request) (*auth.CurrentUser, bool) {
	user := auth.FromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Message: "authentication required",
			Code:    "unauthorized",
		})
		return nil, false
	}
	return user, true
}

// pathUUID parses a UUID path parameter or answers 400.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := r.PathValue(name)
	if raw == "" {
		writeBadRequest(w, "missing "+name+" in path")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeBadRequest(w, "invalid "+name+": "+err.Error())
		return uuid.Nil, false
	}
	return id, true
}
