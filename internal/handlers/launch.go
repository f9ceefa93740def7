package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
	"go.uber.org/zap"
)

type LaunchHandler struct {
	service *services.LaunchCoordinator
	logr    *zap.Logger
}

func NewLaunchHandler(svc *services.LaunchCoordinator, logr *zap.Logger) *LaunchHandler {
	return &LaunchHandler{service: svc, logr: logr}
}

func (h *LaunchHandler) Request(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Request(r.Context(), chi.URLParam(r, "regionId"), actor(r))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (h *LaunchHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Confirm(r.Context(), chi.URLParam(r, "regionId"), actor(r))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *LaunchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Cancel(r.Context(), chi.URLParam(r, "regionId"), actor(r))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *LaunchHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(chi.URLParam(r, "regionId"))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *LaunchHandler) History(w http.ResponseWriter, r *http.Request) {
	recs, err := h.service.History(chi.URLParam(r, "regionId"))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
