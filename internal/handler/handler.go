package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"portalgate/internal/domain"
	"portalgate/internal/logging"
	"portalgate/internal/repository"
	"portalgate/internal/service"
)

const defaultLedgerLimit = 100

// EquipmentHandler exposes the equipment service over HTTP
type EquipmentHandler struct {
	svc *service.EquipmentService
	log zerolog.Logger
}

// NewEquipmentHandler creates a new equipment handler
func NewEquipmentHandler(svc *service.EquipmentService, log zerolog.Logger) *EquipmentHandler {
	return &EquipmentHandler{svc: svc, log: logging.WithComponent(log, "http")}
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// equipmentView is a descriptor without its secrets
type equipmentView struct {
	ID             string                `json:"id"`
	Name           string                `json:"name,omitempty"`
	Type           domain.EquipmentType  `json:"type"`
	Model          string                `json:"model,omitempty"`
	IPAddress      string                `json:"ip_address,omitempty"`
	APIEndpoint    string                `json:"api_endpoint,omitempty"`
	Subdomain      string                `json:"subdomain,omitempty"`
	CredentialKind domain.CredentialKind `json:"credential_kind,omitempty"`
	Capabilities   []domain.Feature      `json:"capabilities,omitempty"`
	Configuration  map[string]any        `json:"configuration,omitempty"`
	Source         service.Source        `json:"source"`
}

func newEquipmentView(eq service.Equipment) equipmentView {
	d := eq.Descriptor
	v := equipmentView{
		ID:            d.ID,
		Name:          d.Name,
		Type:          d.Type,
		Model:         d.Model,
		IPAddress:     d.IPAddress,
		APIEndpoint:   d.APIEndpoint,
		Subdomain:     d.Subdomain,
		Capabilities:  d.Capabilities,
		Configuration: d.Configuration,
		Source:        eq.Source,
	}
	if d.Credentials != nil {
		v.CredentialKind = d.Credentials.Kind()
	}
	return v
}

// Request bodies

type detectRequest struct {
	IP string `json:"ip" binding:"required,ip"`
}

type authorizeRequest struct {
	UserID          string `json:"user_id" binding:"required"`
	DurationMinutes int    `json:"duration_minutes" binding:"required"`
}

type userRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type bandwidthRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	UploadKbps   int    `json:"upload_kbps"`
	DownloadKbps int    `json:"download_kbps"`
}

// ListEquipment returns the inventory
func (h *EquipmentHandler) ListEquipment(c *gin.Context) {
	all, err := h.svc.ListEquipment(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	views := make([]equipmentView, 0, len(all))
	for _, eq := range all {
		views = append(views, newEquipmentView(eq))
	}
	c.JSON(http.StatusOK, views)
}

// GetEquipment returns one inventory entry
func (h *EquipmentHandler) GetEquipment(c *gin.Context) {
	eq, err := h.svc.GetEquipment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEquipmentView(eq))
}

// CreateEquipment stores a descriptor, replacing one with the same id
func (h *EquipmentHandler) CreateEquipment(c *gin.Context) {
	var desc domain.EquipmentDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}
	if err := h.svc.AddEquipment(c.Request.Context(), desc); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newEquipmentView(service.Equipment{Descriptor: desc, Source: service.SourceAPI}))
}

// DeleteEquipment removes an API-managed descriptor
func (h *EquipmentHandler) DeleteEquipment(c *gin.Context) {
	if err := h.svc.RemoveEquipment(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Detect fingerprints an address
func (h *EquipmentHandler) Detect(c *gin.Context) {
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}
	t := h.svc.Detect(c.Request.Context(), req.IP)
	c.JSON(http.StatusOK, gin.H{"ip": req.IP, "type": t})
}

// Status reads equipment health
func (h *EquipmentHandler) Status(c *gin.Context) {
	status, ok, err := h.svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "equipment status unavailable"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// ActiveUsers lists active sessions
func (h *EquipmentHandler) ActiveUsers(c *gin.Context) {
	users, err := h.svc.ActiveUsers(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// Features lists adapter capabilities
func (h *EquipmentHandler) Features(c *gin.Context) {
	features, err := h.svc.Features(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, features)
}

// Authenticate validates a guest
func (h *EquipmentHandler) Authenticate(c *gin.Context) {
	var guest domain.Guest
	if err := c.ShouldBindJSON(&guest); err != nil || guest.UserID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "user_id is required"})
		return
	}
	ok, err := h.svc.Authenticate(c.Request.Context(), c.Param("id"), guest)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": ok})
}

// Authorize grants network access
func (h *EquipmentHandler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}
	sessionID, err := h.svc.Authorize(c.Request.Context(), c.Param("id"), req.UserID, req.DurationMinutes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
}

// Disconnect ends a guest's session
func (h *EquipmentHandler) Disconnect(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}
	ok, err := h.svc.Disconnect(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": ok})
}

// UpdateBandwidth changes a guest's rate limit
func (h *EquipmentHandler) UpdateBandwidth(c *gin.Context) {
	var req bandwidthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}
	ok, err := h.svc.UpdateBandwidth(c.Request.Context(), c.Param("id"), req.UserID, req.UploadKbps, req.DownloadKbps)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": ok})
}

// ConfigurePortal pushes captive-portal settings
func (h *EquipmentHandler) ConfigurePortal(c *gin.Context) {
	var cfg domain.PortalConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}
	ok, err := h.svc.ConfigurePortal(c.Request.Context(), c.Param("id"), cfg)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configured": ok})
}

// TestConnection checks an overlay or tunnel transport
func (h *EquipmentHandler) TestConnection(c *gin.Context) {
	ok, err := h.svc.TestConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": ok})
}

// ConfigureConnection establishes an overlay or tunnel transport
func (h *EquipmentHandler) ConfigureConnection(c *gin.Context) {
	ok, err := h.svc.ConfigureConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configured": ok})
}

// SessionInfo returns one session; the equipment query parameter is required
func (h *EquipmentHandler) SessionInfo(c *gin.Context) {
	id := c.Query("equipment")
	if id == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "equipment query parameter is required"})
		return
	}
	info, err := h.svc.SessionInfo(c.Request.Context(), id, c.Param("sessionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Ledger lists recorded sessions of the equipment, newest first
func (h *EquipmentHandler) Ledger(c *gin.Context) {
	limit := defaultLedgerLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	sessions, err := h.svc.Ledger(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

// ClearCache drops every cached adapter
func (h *EquipmentHandler) ClearCache(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"evicted": h.svc.ClearCache()})
}

// writeError maps the error taxonomy onto status codes
func (h *EquipmentHandler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, ErrorResponse{Error: http.StatusText(status), Details: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrReadOnly):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrUnsupportedOperation):
		return http.StatusNotImplemented
	case errors.Is(err, domain.ErrTransientNetwork):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
