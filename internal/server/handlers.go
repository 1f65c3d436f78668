package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/christopherjohns/bookreview/internal/profile"
	"github.com/christopherjohns/bookreview/internal/registration"
	"github.com/christopherjohns/bookreview/internal/room"
)

const healthTimeout = 2 * time.Second

type errorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	DurableID string `json:"durable_id,omitempty"`
}

type registerResponse struct {
	Message   string `json:"message"`
	DurableID string `json:"durable_id"`
}

// registrationStatus maps each failure kind to its HTTP status.
var registrationStatus = map[registration.Kind]int{
	registration.KindValidation:           http.StatusBadRequest,
	registration.KindIdentityProvider:     http.StatusNotImplemented,
	registration.KindProfileStore:         http.StatusBadGateway,
	registration.KindVerificationDispatch: http.StatusServiceUnavailable,
	registration.KindInternal:             http.StatusInternalServerError,
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registration.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:  string(registration.KindValidation),
			Detail: "username, password and email are required",
		})
		return
	}

	res, err := s.deps.Registrar.Register(c.Request.Context(), req)
	if err != nil {
		kind := registration.KindOf(err)
		body := errorBody{Error: string(kind), Detail: err.Error()}
		var regErr *registration.Error
		if errors.As(err, &regErr) {
			body.DurableID = regErr.DurableID
		}
		if kind == registration.KindInternal {
			body.Detail = "registration failed"
		}
		s.log.Warn("registration failed", zap.String("kind", string(kind)), zap.Error(err))
		c.JSON(registrationStatus[kind], body)
		return
	}

	switch res.Status {
	case registration.StatusResent:
		c.JSON(http.StatusOK, registerResponse{
			Message:   "Verification email resent. Please check your inbox.",
			DurableID: res.DurableID,
		})
	default:
		c.JSON(http.StatusCreated, registerResponse{
			Message:   "User registered successfully. Verification email sent.",
			DurableID: res.DurableID,
		})
	}
}

type chatRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	TargetUserID string `json:"target_user_id" binding:"required"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "validation_error", Detail: "user_id and target_user_id are required"})
		return
	}
	name, err := room.DirectRoomName(req.UserID, req.TargetUserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "validation_error", Detail: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": name})
}

func (s *Server) handleListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Registry.Rooms())
}

func (s *Server) handleGetProfile(c *gin.Context) {
	p, err := s.deps.Profiles.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, profile.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody{Error: "not_found", Detail: "user not found"})
		return
	}
	if err != nil {
		s.log.Error("get profile", zap.String("id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal_error"})
		return
	}
	c.JSON(http.StatusOK, p)
}

type avatarRequest struct {
	AvatarURL string `json:"avatar_url" binding:"required,url"`
}

func (s *Server) handleUpdateAvatar(c *gin.Context) {
	var req avatarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "validation_error", Detail: "a valid avatar_url is required"})
		return
	}
	err := s.deps.Profiles.UpdateAvatar(c.Request.Context(), c.Param("id"), req.AvatarURL)
	if errors.Is(err, profile.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody{Error: "not_found", Detail: "user not found"})
		return
	}
	if err != nil {
		s.log.Error("update avatar", zap.String("id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Profile picture updated successfully!"})
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok", "rooms": s.deps.Registry.Len()}
	if s.deps.Conns != nil {
		body["connections"] = s.deps.Conns.Stats()
	}
	status := http.StatusOK
	if s.deps.Profiles != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := s.deps.Profiles.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, body)
}
