package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/middleware"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(data)
}

func badRequest(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "bad_request",
		"reason": reason,
	})
}

// writeError maps a service error to its status and structured body.
func writeError(w http.ResponseWriter, logr *zap.Logger, err error) {
	body := map[string]any{
		"error":  services.Code(err),
		"reason": err.Error(),
	}
	status := http.StatusInternalServerError

	var (
		validation *services.ValidationError
		notFound   *services.NotFoundError
		eligible   *services.EligibilityError
		conflict   *services.ConcurrencyConflict
		noPath     *services.NoPathError
		permission *services.PermissionError
		transition *services.TransitionError
	)
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		body["field"] = validation.Field
	case errors.As(err, &permission):
		status = http.StatusForbidden
		body["action"] = permission.Action
	case errors.As(err, &notFound):
		status = http.StatusNotFound
		body["kind"] = notFound.Kind
		body["id"] = notFound.ID
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body["expectedVersion"] = conflict.Expected
		body["actualVersion"] = conflict.Actual
	case errors.As(err, &transition):
		status = http.StatusConflict
		body["state"] = transition.From
	case errors.As(err, &eligible):
		status = http.StatusUnprocessableEntity
		body["regionId"] = eligible.RegionID
		body["predicate"] = eligible.Reason
	case errors.As(err, &noPath):
		status = http.StatusUnprocessableEntity
		body["from"] = noPath.From
		body["to"] = noPath.To
	case errors.Is(err, services.ErrInvalidCredentials):
		status = http.StatusUnauthorized
		body["reason"] = "invalid credentials"
	default:
		logr.Error("request failed", zap.Error(err))
		body["reason"] = "internal error"
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, "invalid payload: "+err.Error())
		return false
	}
	return true
}

// actor returns the authenticated user id. Routes without auth have none.
func actor(r *http.Request) string {
	id, _ := middleware.UserIDFromContext(r.Context())
	return id
}

func parseFloat(q string, name string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(q), 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return v, nil
}

func parseBool(input string) bool {
	input = strings.ToLower(strings.TrimSpace(input))
	return input == "1" || input == "true"
}
