// Package api exposes the HTTP surface: lab catalog, session lifecycle,
// the shell WebSocket, and the admin endpoints.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/hewlab/playground/internal/bridge"
	"github.com/hewlab/playground/internal/catalog"
	"github.com/hewlab/playground/internal/orchestrator"
	"github.com/hewlab/playground/internal/sandbox"
	"github.com/hewlab/playground/internal/session"
)

// ownerKey is the gin context key the identity middleware stores the
// resolved owner id under.
const ownerKey = "ownerID"

// Server wires the handlers to their collaborators.
type Server struct {
	orc    *orchestrator.Orchestrator
	labs   *catalog.Catalog
	bridge *bridge.Bridge
	log    logrus.FieldLogger

	adminToken string
	devUser    string
}

// New creates the API server. adminToken empty disables the admin
// endpoints; devUser non-empty substitutes for a missing identity
// header (development only).
func New(orc *orchestrator.Orchestrator, labs *catalog.Catalog, br *bridge.Bridge, adminToken, devUser string, log logrus.FieldLogger) *Server {
	return &Server{
		orc:        orc,
		labs:       labs,
		bridge:     br,
		log:        log.WithField("component", "api"),
		adminToken: adminToken,
		devUser:    devUser,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/labs", s.handleListLabs)
	router.GET("/labs/:labId", s.handleGetLab)

	// The shell WebSocket authenticates by session id alone; the bridge
	// refuses anything that is not an active session.
	router.GET("/sessions/:sessionId/shell", s.handleShell)

	authed := router.Group("/")
	authed.Use(s.requireIdentity)

	authed.POST("/sessions", s.handleCreateSession)
	authed.GET("/sessions/me", s.handleMySessions)
	authed.DELETE("/sessions/:sessionId", s.handleTerminateSession)
	authed.POST("/sessions/:sessionId/extend", s.handleExtendSession)

	admin := router.Group("/admin")
	admin.Use(s.requireAdmin)

	admin.GET("/sessions", s.handleAdminListSessions)
	admin.DELETE("/sessions/:sessionId", s.handleAdminTerminateSession)
	admin.GET("/stats", s.handleAdminStats)
	admin.DELETE("/sessions/:sessionId/resources/:kind/:name", s.handleAdminDeleteResource)

	return router
}

// requireIdentity resolves the caller's identity. The opaque user id is
// supplied by an external resolver at the ingress via X-User-ID; this
// service never interprets it.
func (s *Server) requireIdentity(c *gin.Context) {
	ownerID := c.GetHeader("X-User-ID")
	if ownerID == "" {
		ownerID = s.devUser
	}
	if ownerID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}
	c.Set(ownerKey, ownerID)
	c.Next()
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.adminToken == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin endpoints disabled"})
		return
	}
	if c.GetHeader("Authorization") != "Bearer "+s.adminToken {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (s *Server) handleListLabs(c *gin.Context) {
	labs := s.labs.List(c.Query("category"), c.Query("persona"))
	c.JSON(http.StatusOK, gin.H{"labs": labs})
}

func (s *Server) handleGetLab(c *gin.Context) {
	lab, err := s.labs.Get(c.Param("labId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "lab not found"})
		return
	}
	c.JSON(http.StatusOK, lab)
}

type createSessionRequest struct {
	LabID string `json:"lab_id" binding:"required"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lab_id is required"})
		return
	}

	created, err := s.orc.Create(c.Request.Context(), c.GetString(ownerKey), req.LabID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleMySessions(c *gin.Context) {
	sessions, err := s.orc.ListOwn(c.Request.Context(), c.GetString(ownerKey))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleTerminateSession(c *gin.Context) {
	err := s.orc.Terminate(c.Request.Context(), c.Param("sessionId"), c.GetString(ownerKey))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session terminated"})
}

func (s *Server) handleExtendSession(c *gin.Context) {
	expiry, err := s.orc.Extend(c.Request.Context(), c.Param("sessionId"), c.GetString(ownerKey))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session extended", "new_expiry": expiry})
}

func (s *Server) handleShell(c *gin.Context) {
	s.bridge.Handle(c.Writer, c.Request, c.Param("sessionId"))
}

func (s *Server) handleAdminListSessions(c *gin.Context) {
	var state session.State
	if raw := c.Query("state"); raw != "" {
		parsed, ok := session.ParseState(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state: " + raw})
			return
		}
		state = parsed
	}

	sessions, err := s.orc.AdminList(c.Request.Context(), state)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleAdminTerminateSession(c *gin.Context) {
	if err := s.orc.TerminateAdmin(c.Request.Context(), c.Param("sessionId")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session terminated"})
}

func (s *Server) handleAdminStats(c *gin.Context) {
	stats, err := s.orc.AdminStats(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleAdminDeleteResource(c *gin.Context) {
	// Kind strings resolve to the closed variant exactly once, here at
	// the boundary.
	kind, err := sandbox.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = s.orc.AdminDeleteResource(c.Request.Context(), c.Param("sessionId"), kind, c.Param("name"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "resource deleted"})
}

// renderError maps the error taxonomy onto stable status codes: 404
// unknown session or lab, 409 duplicate active session, 429 capacity,
// 500 provisioning failure.
func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrCapacityExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "maximum concurrent sessions reached"})
	case errors.Is(err, session.ErrDuplicateSession):
		c.JSON(http.StatusConflict, gin.H{"error": "user already has an active session"})
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, orchestrator.ErrLabNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "lab not found"})
	case errors.Is(err, orchestrator.ErrProvisioningFailed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to provision sandbox"})
	default:
		s.log.WithError(err).Error("Unhandled API error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
