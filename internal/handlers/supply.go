package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
	"go.uber.org/zap"
)

type SupplyHandler struct {
	service *services.SupplyGraph
	logr    *zap.Logger
}

func NewSupplyHandler(svc *services.SupplyGraph, logr *zap.Logger) *SupplyHandler {
	return &SupplyHandler{service: svc, logr: logr}
}

func (h *SupplyHandler) ListDepots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListDepots())
}

func (h *SupplyHandler) GetDepot(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.GetDepot(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *SupplyHandler) CreateDepot(w http.ResponseWriter, r *http.Request) {
	var req services.NewDepot
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := h.service.CreateDepot(r.Context(), req)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type stockReq struct {
	Quantity int64 `json:"quantity"`
}

func (h *SupplyHandler) AddStock(w http.ResponseWriter, r *http.Request) {
	var req stockReq
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := h.service.AddStock(r.Context(), chi.URLParam(r, "id"), req.Quantity)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *SupplyHandler) DepotsInRegion(w http.ResponseWriter, r *http.Request) {
	depots, err := h.service.DepotsInRegion(chi.URLParam(r, "regionId"))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, depots)
}

func (h *SupplyHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListRoutes())
}

func (h *SupplyHandler) CreateRoute(w http.ResponseWriter, r *http.Request) {
	var req services.NewRoute
	if !decodeJSON(w, r, &req) {
		return
	}
	route, err := h.service.CreateRoute(r.Context(), req)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

type activeReq struct {
	IsActive *bool `json:"isActive"`
}

func (h *SupplyHandler) ToggleRoute(w http.ResponseWriter, r *http.Request) {
	var req activeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		badRequest(w, "isActive is required")
		return
	}
	route, err := h.service.ToggleRoute(r.Context(), chi.URLParam(r, "id"), *req.IsActive)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

type routeStatusReq struct {
	SourceDepotID string `json:"sourceDepotId"`
	TargetDepotID string `json:"targetDepotId"`
	IsActive      *bool  `json:"isActive"`
}

// SetRouteStatus toggles the route addressed by its endpoint pair.
func (h *SupplyHandler) SetRouteStatus(w http.ResponseWriter, r *http.Request) {
	var req routeStatusReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		badRequest(w, "isActive is required")
		return
	}
	route, err := h.service.SetRouteStatus(r.Context(), req.SourceDepotID, req.TargetDepotID, *req.IsActive)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (h *SupplyHandler) OptimalRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := strings.TrimSpace(q.Get("from")), strings.TrimSpace(q.Get("to"))
	if from == "" || to == "" {
		badRequest(w, "from and to are required")
		return
	}
	route, err := h.service.OptimalRoute(r.Context(), from, to)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (h *SupplyHandler) Visualization(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Visualization())
}
