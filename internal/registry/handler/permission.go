package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/veriregistry/internal/identity"
	"github.com/jmerrifield20/veriregistry/internal/registry"
	"github.com/jmerrifield20/veriregistry/internal/registry/model"
	"github.com/jmerrifield20/veriregistry/internal/registry/service"
	"go.uber.org/zap"
)

// PermissionHandler handles HTTP requests for permission grants.
type PermissionHandler struct {
	svc    *service.PermissionService
	tokens *identity.TokenIssuer // nil = open mode, mutations unauthenticated
	logger *zap.Logger
}

// NewPermissionHandler creates a new PermissionHandler.
// tokens may be nil to disable auth on mutating routes.
func NewPermissionHandler(svc *service.PermissionService, tokens *identity.TokenIssuer, logger *zap.Logger) *PermissionHandler {
	return &PermissionHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register registers all permission routes on the given router group.
func (h *PermissionHandler) Register(rg *gin.RouterGroup) {
	write := identity.RequireScope(h.tokens, identity.ScopeWrite)

	p := rg.Group("/permissions")
	{
		p.POST("", write, h.Grant)
		p.GET("", h.List)
		p.GET("/check", h.Check)
		p.GET("/:key", h.Get)
		p.GET("/:key/proof", h.Proof)
		p.GET("/:key/validity", h.Validate)
		p.POST("/:key/revoke", write, h.Revoke)
		p.POST("/:key/suspend", write, h.Suspend)
		p.POST("/:key/restore", write, h.Restore)
		p.DELETE("/:key", write, h.Remove)
	}
}

// writeError maps service and registry errors onto HTTP responses.
func (h *PermissionHandler) writeError(c *gin.Context, op string, err error) {
	var ve *model.ErrValidation
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Msg})
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "permission not found"})
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, registry.ErrDuplicateKey):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// Grant handles POST /permissions: commits a new active grant.
func (h *PermissionHandler) Grant(c *gin.Context) {
	var req model.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.GrantedBy = identity.ActorFromCtx(c)

	e, err := h.svc.Grant(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, "grant", err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// List handles GET /permissions: filters by principal, resource, action and status.
func (h *PermissionHandler) List(c *gin.Context) {
	var f model.Filter
	if err := c.ShouldBindQuery(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entries := h.svc.List(f)
	if entries == nil {
		entries = []service.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"permissions": entries,
		"count":       len(entries),
		"root_hash":   h.svc.Root(),
	})
}

// Get handles GET /permissions/:key.
func (h *PermissionHandler) Get(c *gin.Context) {
	e, err := h.svc.Get(c.Param("key"))
	if err != nil {
		h.writeError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// Validate handles GET /permissions/:key/validity: whether the grant is in
// force right now, and why not when it is not.
func (h *PermissionHandler) Validate(c *gin.Context) {
	v, err := h.svc.Validate(c.Param("key"))
	if err != nil {
		h.writeError(c, "validate", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Check handles GET /permissions/check: answers whether a principal may
// perform an action, and names the grant that allows it.
func (h *PermissionHandler) Check(c *gin.Context) {
	principal, resource, action := c.Query("principal"), c.Query("resource"), c.Query("action")
	if principal == "" || resource == "" || action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "principal, resource and action are required"})
		return
	}

	e, ok := h.svc.Check(principal, resource, action)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"allowed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": true, "key": e.Key, "revision": e.Revision})
}

// Proof handles GET /permissions/:key/proof. With ?format=cbor the bare
// proof is returned in its binary encoding; otherwise a JSON receipt with
// the entry and its leaf payload.
func (h *PermissionHandler) Proof(c *gin.Context) {
	rc, err := h.svc.Prove(c.Param("key"))
	if err != nil {
		h.writeError(c, "proof", err)
		return
	}

	if c.Query("format") == "cbor" {
		b, err := rc.Proof.EncodeCBOR()
		if err != nil {
			h.writeError(c, "encode proof", err)
			return
		}
		c.Data(http.StatusOK, "application/cbor", b)
		return
	}
	c.JSON(http.StatusOK, rc)
}

type transitionFunc func(svc *service.PermissionService, c *gin.Context, key, actor, reason string) (service.Entry, error)

func (h *PermissionHandler) transition(c *gin.Context, op string, fn transitionFunc) {
	var req model.StatusRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	e, err := fn(h.svc, c, c.Param("key"), identity.ActorFromCtx(c), req.Reason)
	if err != nil {
		h.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// Revoke handles POST /permissions/:key/revoke.
func (h *PermissionHandler) Revoke(c *gin.Context) {
	h.transition(c, "revoke", func(s *service.PermissionService, c *gin.Context, key, actor, reason string) (service.Entry, error) {
		return s.Revoke(c.Request.Context(), key, actor, reason)
	})
}

// Suspend handles POST /permissions/:key/suspend.
func (h *PermissionHandler) Suspend(c *gin.Context) {
	h.transition(c, "suspend", func(s *service.PermissionService, c *gin.Context, key, actor, reason string) (service.Entry, error) {
		return s.Suspend(c.Request.Context(), key, actor, reason)
	})
}

// Restore handles POST /permissions/:key/restore.
func (h *PermissionHandler) Restore(c *gin.Context) {
	h.transition(c, "restore", func(s *service.PermissionService, c *gin.Context, key, actor, reason string) (service.Entry, error) {
		return s.Restore(c.Request.Context(), key, actor, reason)
	})
}

// Remove handles DELETE /permissions/:key: tombstones the grant.
func (h *PermissionHandler) Remove(c *gin.Context) {
	h.transition(c, "remove", func(s *service.PermissionService, c *gin.Context, key, actor, reason string) (service.Entry, error) {
		return s.Remove(c.Request.Context(), key, actor, reason)
	})
}
