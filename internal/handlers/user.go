package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
	"go.uber.org/zap"
)

type UserHandler struct {
	service *services.RegionStore
	logr    *zap.Logger
}

func NewUserHandler(svc *services.RegionStore, logr *zap.Logger) *UserHandler {
	return &UserHandler{service: svc, logr: logr}
}

type createUserReq struct {
	FullName     string            `json:"fullName"`
	Username     string            `json:"username"`
	Password     string           `json:"password"`
	SocialRating float64          `json:"socialRating"`
	Location     *models.GeoPoint `json:"location"`
}

// Create is public registration. It always yields a REGULAR user; elevation
// goes through SetStatus.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserReq
	if !decodeJSON(w, r, &req) {
		return
	}
	in := services.NewUser{
		FullName:     req.FullName,
		Username:     req.Username,
		Status:       models.UserStatusRegular,
		SocialRating: req.SocialRating,
		Location:     req.Location,
	}
	if req.Password != "" {
		hash, err := services.HashPassword(req.Password)
		if err != nil {
			writeError(w, h.logr, err)
			return
		}
		in.PasswordHash = hash
	}
	u, err := h.service.CreateUserAs(r.Context(), actor(r), in)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListUsers(nil))
}

func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.GetUser(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteUserAs(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// UpdateLocation moves the caller. Users may only report their own location.
func (h *UserHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if who := actor(r); who != id {
		writeError(w, h.logr, &services.PermissionError{ActorID: who, Action: "update location of " + id})
		return
	}
	var pt models.GeoPoint
	if !decodeJSON(w, r, &pt) {
		return
	}
	res, err := h.service.UpdateLocation(r.Context(), id, pt)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type statusReq struct {
	Status models.UserStatus `json:"status"`
}

func (h *UserHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if !decodeJSON(w, r, &req) {
		return
	}
	status := models.UserStatus(strings.ToUpper(string(req.Status)))
	u, err := h.service.SetStatusAs(r.Context(), actor(r), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type rateReq struct {
	RatingChange float64 `json:"ratingChange"`
}

type rateResp struct {
	Target models.User `json:"target"`
	Rater  models.User `json:"rater"`
}

// Rate applies the caller's rating change to the user in the path.
func (h *UserHandler) Rate(w http.ResponseWriter, r *http.Request) {
	var req rateReq
	if !decodeJSON(w, r, &req) {
		return
	}
	target, rater, err := h.service.RatePerson(r.Context(), actor(r), chi.URLParam(r, "id"), req.RatingChange)
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, rateResp{Target: target, Rater: rater})
}

func (h *UserHandler) InRegion(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.UsersInRegion(chi.URLParam(r, "regionId"))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) ImportantInRegion(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ImportantInRegion(chi.URLParam(r, "regionId"))
	if err != nil {
		writeError(w, h.logr, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) BelowRating(w http.ResponseWriter, r *http.Request) {
	threshold, err := parseFloat(chi.URLParam(r, "threshold"), "threshold")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.service.UsersBelowRating(threshold))
}
