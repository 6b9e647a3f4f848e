package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/veriregistry/internal/registry/service"
	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"go.uber.org/zap"
)

// ProofHandler verifies inclusion proofs and publishes the current root.
type ProofHandler struct {
	svc    *service.PermissionService
	logger *zap.Logger
}

// NewProofHandler creates a new ProofHandler.
func NewProofHandler(svc *service.PermissionService, logger *zap.Logger) *ProofHandler {
	return &ProofHandler{svc: svc, logger: logger}
}

// Register mounts the proof and root routes on the given router group.
func (h *ProofHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/proofs/verify", h.Verify)
	rg.GET("/registry/root", h.Root)
	rg.GET("/registry/stats", h.Statistics)
}

type verifyRequest struct {
	Proof       json.RawMessage `json:"proof" binding:"required"`
	TrustedRoot string          `json:"trusted_root"`
}

// Verify handles POST /proofs/verify. Without trusted_root the proof is
// checked against the live root; otherwise against the caller's root.
func (h *ProofHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := merkle.ParseJSON(req.Proof)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var res merkle.Result
	if req.TrustedRoot != "" {
		res = h.svc.VerifyAgainst(p, req.TrustedRoot)
	} else {
		res = h.svc.VerifyProof(p)
	}
	RecordVerification(res)

	h.logger.Debug("proof verified",
		zap.Int("leaf_index", p.LeafIndex),
		zap.Stringer("result", res),
	)
	c.JSON(http.StatusOK, gin.H{
		"valid":  res == merkle.Valid,
		"result": res,
		"root":   h.svc.Root(),
	})
}

// Root handles GET /registry/root: returns the root hash and tree stats.
func (h *ProofHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats())
}

// Statistics handles GET /registry/stats: counts by status and distinct
// principals and resources, alongside the tree stats.
func (h *ProofHandler) Statistics(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Statistics())
}
