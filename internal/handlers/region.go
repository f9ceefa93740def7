package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/utils"
	"go.uber.org/zap"
)

type RegionHandler struct {
	service *services.RegionStore
	logr    *zap.Logger
}

func NewRegionHandler(svc *services.RegionStore, logr *zap.Logger) *RegionHandler {
	return &RegionHandler{service: svc, logr: logr}
}

func regionType(s string) models.RegionType {
	return models.RegionType(strings.ToUpper(strings.TrimSpace(s)))
}

// List returns all regions, or those of the types in ?type=.
func (h *RegionHandler) List(w http.ResponseWriter, r *http.Request) {
	var types []models.RegionType
	for _, t := range utils.ParseQueryList(r.URL.Query(), "type") {
		rt := regionType(t)
		if !rt.Valid() {
			badRequest(w, "unknown region type "+t)
			return
		}
		types = append(types, rt)
	}
	writeJSON(w, http.StatusOK, h.service.List(types...))
}

func (h *RegionHandler) Get(w http.ResponseWriter, r *http.Request) {
	region, err := h.service.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, region)
}

func (h *RegionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.NewRegion
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Type = regionType(string(req.Type))
	region, err := h.service.CreateRegionAs(r.Context(), actor(r), req)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusCreated, region)
}

type updateRegionReq struct {
	ExpectedVersion int64 `json:"expectedVersion"`
	models.RegionPatch
}

func (h *RegionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateRegionReq
	if !decodeJSON(w, r, &req) {
		return
	}
	region, err := h.service.UpdateRegionAs(r.Context(), actor(r), chi.URLParam(r, "id"), req.ExpectedVersion, req.RegionPatch)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, region)
}

func (h *RegionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRegionAs(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *RegionHandler) ByType(w http.ResponseWriter, r *http.Request) {
	regions, err := h.service.GetByType(regionType(chi.URLParam(r, "type")))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, regions)
}

func (h *RegionHandler) Children(w http.ResponseWriter, r *http.Request) {
	regions, err := h.service.GetChildren(chi.URLParam(r, "parentId"))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, regions)
}

// Containing lists the regions whose boundary holds the point, country first.
// A point outside every region yields an empty list.
func (h *RegionHandler) Containing(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := parseFloat(q.Get("latitude"), "latitude")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	lon, err := parseFloat(q.Get("longitude"), "longitude")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	regions, err := h.service.GetContaining(models.GeoPoint{Latitude: lat, Longitude: lon})
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, regions)
}

func (h *RegionHandler) LowRated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	threshold, err := parseFloat(q.Get("threshold"), "threshold")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	regions, err := h.service.GetLowRated(regionType(q.Get("type")), threshold, parseBool(q.Get("withoutImportant")))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, regions)
}

func (h *RegionHandler) UnderThreat(w http.ResponseWriter, r *http.Request) {
	regions, err := h.service.GetUnderThreat(regionType(chi.URLParam(r, "type")))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, regions)
}

type threatReq struct {
	UnderThreat bool `json:"underThreat"`
}

func (h *RegionHandler) SetThreat(w http.ResponseWriter, r *http.Request) {
	var req threatReq
	if !decodeJSON(w, r, &req) {
		return
	}
	region, err := h.service.MarkUnderThreatAs(r.Context(), actor(r), chi.URLParam(r, "id"), req.UnderThreat)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, region)
}

func (h *RegionHandler) RecomputeOne(w http.ResponseWriter, r *http.Request) {
	region, err := h.service.UpdateStatistics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, region)
}

func (h *RegionHandler) RecomputeAll(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RecomputeAll(r.Context()); err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.List())
}
