package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/voxlane/voxlane-access/internal/audit"
	"github.com/voxlane/voxlane-access/internal/observability"
	"github.com/voxlane/voxlane-access/internal/platform/httpx"
)

// Handler wires HTTP endpoints for authorization checks and mutations.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	checker   Checker
	auditor   audit.Recorder
	metrics   *observability.Metrics
	validator *validator.Validate
}

// NewHandler constructs a Handler instance. The checker is expected to be
// the cached resolver; the service owns mutations.
func NewHandler(logger *slog.Logger, service *Service, checker Checker, auditor audit.Recorder, metrics *observability.Metrics) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		checker:   checker,
		auditor:   auditor,
		metrics:   metrics,
		validator: validator.New(),
	}
}

// MountRoutes registers authorization routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router, mw Middleware) {
	r.Post("/authz/check", h.check)
	r.Get("/users/{userID}/permissions", h.listPermissions)
	r.Get("/users/{userID}/roles", h.listUserRoles)
	r.Get("/organizations/{orgID}/roles", h.listOrganizationRoles)

	r.Group(func(r chi.Router) {
		r.Use(mw.RequirePermission("roles.manage"))
		r.Post("/roles", h.createRole)
		r.Put("/roles/{roleID}", h.updateRole)
		r.Put("/roles/{roleID}/permissions", h.updateRolePermissions)
		r.Delete("/roles/{roleID}", h.deleteRole)
		r.Post("/assignments", h.assignRole)
		r.Delete("/assignments", h.revokeRole)
		r.Post("/resource-permissions", h.grantResourcePermission)
		r.Delete("/resource-permissions", h.revokeResourcePermission)
	})
}

type checkRequestBody struct {
	UserID         string `json:"user_id" validate:"required"`
	Permission     string `json:"permission" validate:"required"`
	ResourceType   string `json:"resource_type"`
	ResourceID     string `json:"resource_id"`
	OrganizationID string `json:"organization_id"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var body checkRequestBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	decision, err := h.checker.Check(r.Context(), CheckRequest{
		UserID:         body.UserID,
		Permission:     body.Permission,
		ResourceType:   body.ResourceType,
		ResourceID:     body.ResourceID,
		OrganizationID: body.OrganizationID,
	})
	if err != nil {
		// The decision already fails closed; the error is operational.
		h.logger.Error("check", slog.String("permission", body.Permission), slog.Any("error", err))
	}
	if h.metrics != nil {
		h.metrics.ObserveDecision(string(decision.Source), decision.Granted)
	}
	if !decision.Granted {
		h.recordDenial(r, body, decision)
	}
	httpx.JSON(w, http.StatusOK, decision)
}

// recordDenial appends a best-effort audit entry for a denied check. Never
// blocks or fails the response.
func (h *Handler) recordDenial(r *http.Request, body checkRequestBody, decision Decision) {
	if h.auditor == nil {
		return
	}
	err := h.auditor.Record(r.Context(), audit.Entry{
		ActorID:        body.UserID,
		OrganizationID: body.OrganizationID,
		Action:         "authz.check",
		Entity:         "permission",
		EntityID:       body.Permission,
		Status:         "denied",
		Meta: map[string]any{
			"reason":        decision.Reason,
			"source":        decision.Source,
			"resource_type": body.ResourceType,
			"resource_id":   body.ResourceID,
		},
	})
	if err != nil {
		h.logger.Warn("denial audit append failed", slog.Any("error", err))
	}
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	orgID := r.URL.Query().Get("organization_id")
	names, err := h.checker.ListPermissions(r.Context(), userID, orgID)
	if err != nil {
		h.logger.Error("list permissions", slog.String("user", userID), slog.Any("error", err))
		// Fail closed: an unavailable backend reads as no permissions.
		httpx.JSON(w, http.StatusOK, map[string]any{"permissions": []string{}})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": names})
}

type roleResponse struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	OrganizationID *string `json:"organization_id"`
	IsSystem       bool    `json:"is_system"`
	IsCustom       bool    `json:"is_custom"`
	Priority       int     `json:"priority"`
}

func toRoleResponses(roles []Role) []roleResponse {
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleResponse{
			ID:             role.ID,
			Name:           role.Name,
			Description:    role.Description,
			OrganizationID: role.OrganizationID,
			IsSystem:       role.IsSystem,
			IsCustom:       role.IsCustom,
			Priority:       role.Priority,
		})
	}
	return out
}

func (h *Handler) listUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	orgID := r.URL.Query().Get("organization_id")
	roles, err := h.service.ListUserRoles(r.Context(), userID, orgID)
	if err != nil {
		h.respondError(w, "list user roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": toRoleResponses(roles)})
}

func (h *Handler) listOrganizationRoles(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	roles, err := h.service.ListOrganizationRoles(r.Context(), orgID)
	if err != nil {
		h.respondError(w, "list organization roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": toRoleResponses(roles)})
}

type createRoleBody struct {
	OrganizationID string   `json:"organization_id" validate:"required"`
	Name           string   `json:"name" validate:"required,min=2,max=120"`
	Description    string   `json:"description" validate:"max=500"`
	Permissions    []string `json:"permissions" validate:"required,min=1,dive,required"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var body createRoleBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor, _ := ActorFromContext(r.Context())
	role, err := h.service.CreateCustomRole(r.Context(), body.OrganizationID, body.Name, body.Description, body.Permissions, actor.ID)
	if err != nil {
		h.respondError(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponses([]Role{role})[0])
}

type updateRoleBody struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	Name           string `json:"name" validate:"required,min=2,max=120"`
	Description    string `json:"description" validate:"max=500"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleIDParam(w, r)
	if !ok {
		return
	}
	var body updateRoleBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor, _ := ActorFromContext(r.Context())
	role, err := h.service.UpdateRole(r.Context(), roleID, body.Name, body.Description, actor.ID, body.OrganizationID)
	if err != nil {
		h.respondError(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponses([]Role{role})[0])
}

type updateRolePermissionsBody struct {
	OrganizationID string   `json:"organization_id" validate:"required"`
	Permissions    []string `json:"permissions" validate:"required,dive,required"`
}

func (h *Handler) updateRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleIDParam(w, r)
	if !ok {
		return
	}
	var body updateRolePermissionsBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor, _ := ActorFromContext(r.Context())
	if err := h.service.UpdateRolePermissions(r.Context(), roleID, body.Permissions, actor.ID, body.OrganizationID); err != nil {
		h.respondError(w, "update role permissions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleIDParam(w, r)
	if !ok {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	if err := h.service.DeleteRole(r.Context(), roleID, actor.ID, r.URL.Query().Get("organization_id")); err != nil {
		h.respondError(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleBody struct {
	UserID         string     `json:"user_id" validate:"required"`
	RoleID         int64      `json:"role_id" validate:"required"`
	OrganizationID string     `json:"organization_id" validate:"required"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var body assignRoleBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor, _ := ActorFromContext(r.Context())
	if err := h.service.AssignRole(r.Context(), body.UserID, body.RoleID, body.OrganizationID, actor.ID, body.ExpiresAt); err != nil {
		h.respondError(w, "assign role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type revokeRoleBody struct {
	UserID         string `json:"user_id" validate:"required"`
	RoleID         int64  `json:"role_id" validate:"required"`
	OrganizationID string `json:"organization_id" validate:"required"`
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	var body revokeRoleBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor, _ := ActorFromContext(r.Context())
	if err := h.service.RevokeRole(r.Context(), body.UserID, body.RoleID, body.OrganizationID, actor.ID); err != nil {
		h.respondError(w, "revoke role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resourcePermissionBody struct {
	UserID         string `json:"user_id" validate:"required"`
	Permission     string `json:"permission" validate:"required"`
	ResourceType   string `json:"resource_type" validate:"required"`
	ResourceID     string `json:"resource_id" validate:"required"`
	OrganizationID string `json:"organization_id" validate:"required"`
	Granted        *bool  `json:"granted"`
}

func (h *Handler) grantResourcePermission(w http.ResponseWriter, r *http.Request) {
	var body resourcePermissionBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	granted := true
	if body.Granted != nil {
		granted = *body.Granted
	}
	actor, _ := ActorFromContext(r.Context())
	if err := h.service.GrantResourcePermission(r.Context(), body.UserID, body.Permission, body.ResourceType, body.ResourceID, body.OrganizationID, granted, actor.ID); err != nil {
		h.respondError(w, "grant resource permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeResourcePermission(w http.ResponseWriter, r *http.Request) {
	var body resourcePermissionBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor, _ := ActorFromContext(r.Context())
	if err := h.service.RevokeResourcePermission(r.Context(), body.UserID, body.Permission, body.ResourceType, body.ResourceID, body.OrganizationID, actor.ID); err != nil {
		h.respondError(w, "revoke resource permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) roleIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Role ID", "role id must be an integer")
		return 0, false
	}
	return id, true
}

// respondError maps service errors to HTTP responses. Domain sentinels wrap
// httpx sentinels, so the status translation lives in httpx.RespondError;
// anything unrecognised is logged and answered as a 500.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSystemRoleImmutable),
		errors.Is(err, ErrDuplicateRole), errors.Is(err, ErrUnknownPermission):
	default:
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
