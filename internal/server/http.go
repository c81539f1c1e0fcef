// Package server exposes the HTTP surface: auth endpoints, the viewer
// WebSocket mount, control-lock endpoints, and job endpoints. Handlers stay
// thin; they translate service sentinels into status codes and nothing else.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	authservice "fleet-control-plane/backend/internal/auth/service"
	"fleet-control-plane/backend/internal/bridge"
	"fleet-control-plane/backend/internal/hub"
	jobservice "fleet-control-plane/backend/internal/job/service"
	"fleet-control-plane/backend/internal/lock"
	machinerepo "fleet-control-plane/backend/internal/machine/repository"
	"fleet-control-plane/backend/internal/security"
	userdomain "fleet-control-plane/backend/internal/user/domain"
)

const identityKey = "identity"

type clientIPKey struct{}

// ClientIPFromContext returns the client IP stored by the router middleware,
// for the audit logger's IP extractor. Returns "" outside an HTTP request.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// Server holds the handler dependencies behind the gin engine.
type Server struct {
	auth     *authservice.AuthService
	tokens   *security.TokenProvider
	hub      *hub.Hub
	locks    *lock.Manager
	jobs     *jobservice.JobService
	machines machinerepo.Repository
	secure   bool // Secure attribute on the refresh cookie
}

// New wires the HTTP server. secureCookies should be true outside local
// development so the refresh cookie is HTTPS-only.
func New(auth *authservice.AuthService, tokens *security.TokenProvider, h *hub.Hub, locks *lock.Manager, jobs *jobservice.JobService, machines machinerepo.Repository, secureCookies bool) *Server {
	return &Server{
		auth:     auth,
		tokens:   tokens,
		hub:      h,
		locks:    locks,
		jobs:     jobs,
		machines: machines,
		secure:   secureCookies,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		ctx := context.WithValue(c.Request.Context(), clientIPKey{}, c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	r.POST("/auth/login", s.login)
	r.POST("/auth/refresh", s.refresh)
	r.POST("/auth/logout", s.logout)

	// The hub runs its own admission gate (bearer, cookie, or token param),
	// so the WebSocket mount bypasses the HTTP middleware.
	r.GET("/ws", gin.WrapH(s.hub))

	authed := r.Group("/", s.requireAuth)
	{
		authed.GET("/machines/:id/control", s.getLock)
		authed.GET("/machines/:id/job", s.getActiveJob)
		authed.GET("/jobs/:id", s.getJob)

		control := authed.Group("/", s.requireRole(userdomain.RoleAdmin, userdomain.RoleOperator))
		{
			control.POST("/machines/:id/control", s.acquireLock)
			control.DELETE("/machines/:id/control", s.releaseLock)
			control.PUT("/machines/:id/control", s.extendLock)

			control.POST("/jobs", s.createJob)
			control.POST("/jobs/:id/start", s.startJob)
			control.POST("/jobs/:id/pause", s.pauseJob)
			control.POST("/jobs/:id/cancel", s.cancelJob)
			control.PUT("/jobs/:id/one-cycle-stop", s.setOneCycleStop)
		}

		admin := authed.Group("/", s.requireRole(userdomain.RoleAdmin))
		{
			admin.DELETE("/machines/:id/control/force", s.forceReleaseLock)
		}
	}
	return r
}

// --- auth ---

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type authResponse struct {
	AccessToken string       `json:"accessToken"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	User        identityBody `json:"user"`
}

type identityBody struct {
	SubjectID   string `json:"subjectId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	result, err := s.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, authservice.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "login unavailable"})
		return
	}
	s.setRefreshCookie(c, result.RefreshToken, result.RefreshExpiresAt)
	c.JSON(http.StatusOK, authResponse{
		AccessToken: result.AccessToken,
		ExpiresAt:   result.AccessExpiresAt,
		User: identityBody{
			SubjectID:   result.Identity.SubjectID,
			DisplayName: result.Identity.DisplayName,
			Role:        string(result.Identity.Role),
		},
	})
}

func (s *Server) refresh(c *gin.Context) {
	token, err := c.Cookie(hub.SessionCookieName)
	if err != nil || token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session"})
		return
	}
	result, err := s.auth.Refresh(c.Request.Context(), token)
	if err != nil {
		s.clearRefreshCookie(c)
		switch {
		case errors.Is(err, authservice.ErrRefreshTokenReuse):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session revoked, log in again"})
		case errors.Is(err, authservice.ErrAccountDisabled):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "account disabled"})
		case errors.Is(err, authservice.ErrInvalidRefreshToken):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "refresh unavailable"})
		}
		return
	}
	s.setRefreshCookie(c, result.RefreshToken, result.RefreshExpiresAt)
	c.JSON(http.StatusOK, authResponse{
		AccessToken: result.AccessToken,
		ExpiresAt:   result.AccessExpiresAt,
		User: identityBody{
			SubjectID:   result.Identity.SubjectID,
			DisplayName: result.Identity.DisplayName,
			Role:        string(result.Identity.Role),
		},
	})
}

func (s *Server) logout(c *gin.Context) {
	if token, err := c.Cookie(hub.SessionCookieName); err == nil && token != "" {
		if err := s.auth.Logout(c.Request.Context(), token); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "logout unavailable"})
			return
		}
	}
	s.clearRefreshCookie(c)
	c.Status(http.StatusNoContent)
}

func (s *Server) setRefreshCookie(c *gin.Context, token string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(hub.SessionCookieName, token, maxAge, "/", "", s.secure, true)
}

func (s *Server) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(hub.SessionCookieName, "", -1, "/", "", s.secure, true)
}

// --- middleware ---

func (s *Server) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	claims, err := s.tokens.VerifyAccess(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set(identityKey, &authservice.Identity{
		SubjectID:   claims.Subject,
		DisplayName: claims.DisplayName,
		Role:        userdomain.Role(claims.Role),
	})
	c.Next()
}

func (s *Server) requireRole(roles ...userdomain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := identityFrom(c)
		for _, role := range roles {
			if ident.Role == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
	}
}

func identityFrom(c *gin.Context) *authservice.Identity {
	return c.MustGet(identityKey).(*authservice.Identity)
}

// --- control lock ---

type acquireRequest struct {
	SessionID  string `json:"sessionId"`
	TTLSeconds int    `json:"ttlSeconds"`
}

func (s *Server) getLock(c *gin.Context) {
	machineID := c.Param("id")
	if !s.machineExists(c, machineID) {
		return
	}
	holder, err := s.locks.Get(c.Request.Context(), machineID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "lock store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lock": holder})
}

func (s *Server) acquireLock(c *gin.Context) {
	machineID := c.Param("id")
	if !s.machineExists(c, machineID) {
		return
	}
	var req acquireRequest
	_ = c.ShouldBindJSON(&req)
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	ident := identityFrom(c)
	ttl := time.Duration(req.TTLSeconds) * time.Second

	acquired, holder, err := s.locks.Acquire(c.Request.Context(), machineID, ident.SubjectID, ident.DisplayName, req.SessionID, ttl)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "lock store unavailable"})
		return
	}
	if !acquired {
		resp := gin.H{"error": "machine is controlled by another operator"}
		if holder != nil {
			resp["error"] = "machine is controlled by " + holder.OwnerName
			resp["holder"] = holder
		}
		c.JSON(http.StatusConflict, resp)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": req.SessionID})
}

func (s *Server) releaseLock(c *gin.Context) {
	ident := identityFrom(c)
	ok, err := s.locks.Release(c.Request.Context(), c.Param("id"), ident.SubjectID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "lock store unavailable"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the current lock owner"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) extendLock(c *gin.Context) {
	var req acquireRequest
	_ = c.ShouldBindJSON(&req)
	ident := identityFrom(c)
	ok, err := s.locks.Extend(c.Request.Context(), c.Param("id"), ident.SubjectID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "lock store unavailable"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the current lock owner"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) forceReleaseLock(c *gin.Context) {
	ident := identityFrom(c)
	if err := s.locks.ForceRelease(c.Request.Context(), c.Param("id"), ident.SubjectID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "lock store unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) machineExists(c *gin.Context, machineID string) bool {
	machine, err := s.machines.GetByID(c.Request.Context(), machineID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "machine directory unavailable"})
		return false
	}
	if machine == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown machine"})
		return false
	}
	return true
}

// --- jobs ---

type createJobRequest struct {
	MachineID   string `json:"machineId" binding:"required"`
	ProgramID   string `json:"programId" binding:"required"`
	TargetCount int    `json:"targetCount" binding:"required"`
}

type oneCycleStopRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "machineId, programId, and targetCount are required"})
		return
	}
	ident := identityFrom(c)
	job, err := s.jobs.Create(c.Request.Context(), ident.SubjectID, req.MachineID, req.ProgramID, req.TargetCount)
	if err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) getActiveJob(c *gin.Context) {
	machineID := c.Param("id")
	if !s.machineExists(c, machineID) {
		return
	}
	job, err := s.jobs.ActiveForMachine(c.Request.Context(), machineID)
	if err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) startJob(c *gin.Context) {
	ident := identityFrom(c)
	job, err := s.jobs.Start(c.Request.Context(), ident.SubjectID, c.Param("id"))
	if err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) pauseJob(c *gin.Context) {
	ident := identityFrom(c)
	job, err := s.jobs.Pause(c.Request.Context(), ident.SubjectID, c.Param("id"))
	if err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	ident := identityFrom(c)
	job, err := s.jobs.Cancel(c.Request.Context(), ident.SubjectID, c.Param("id"))
	if err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) setOneCycleStop(c *gin.Context) {
	var req oneCycleStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	ident := identityFrom(c)
	job, err := s.jobs.SetOneCycleStop(c.Request.Context(), ident.SubjectID, c.Param("id"), req.Enabled)
	if err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// jobError maps job-service sentinels to status codes. Conflicts carry the
// service's human-readable reason so the caller sees the blocking state.
func (s *Server) jobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobservice.ErrMachineNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown machine"})
	case errors.Is(err, jobservice.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
	case errors.Is(err, jobservice.ErrDuplicateActiveJob),
		errors.Is(err, jobservice.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, bridge.ErrNotConnected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "device bridge unavailable"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "job store unavailable"})
	}
}
