package pipeline

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parentshield/parentshield/internal/audit"
	"github.com/parentshield/parentshield/internal/keystore"
	"github.com/parentshield/parentshield/internal/waf"
)

// RegisterAdminRoutes mounts the administrative controls under the given
// router group. Callers are expected to have already applied Chain; the
// admin role and a fresh second-factor confirmation are enforced here.
func (p *Pipeline) RegisterAdminRoutes(r gin.IRouter) {
	group := r.Group("/admin", p.RequireRole("admin"), p.RequireTwoFactor())
	group.GET("/bans", p.handleListBans)
	group.DELETE("/bans/:address", p.handleUnban)
	group.PUT("/waf/rules/:category", p.handleToggleRule)
	group.POST("/keys/:role/rotate", p.handleRotateKey)
}

func (p *Pipeline) handleListBans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"bans":    p.inspector.Bans(),
	})
}

func (p *Pipeline) handleUnban(c *gin.Context) {
	addr := c.Param("address")
	if !p.inspector.Unban(addr) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "address is not banned",
		})
		return
	}
	p.auditAdmin(c, "unban "+addr)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (p *Pipeline) handleToggleRule(c *gin.Context) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "invalid request body",
		})
		return
	}

	category := waf.Category(c.Param("category"))
	if !p.inspector.SetCategory(category, body.Enabled) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "unknown category",
		})
		return
	}
	p.auditAdmin(c, "toggle "+string(category))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (p *Pipeline) handleRotateKey(c *gin.Context) {
	role := keystore.Role(c.Param("role"))
	record, err := p.keys.Rotate(role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "rotation failed",
		})
		return
	}
	p.auditAdmin(c, "rotate "+string(role))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"keyId":   record.ID,
	})
}

func (p *Pipeline) auditAdmin(c *gin.Context, detail string) {
	event := audit.NewEvent(audit.KindAdminAction, audit.SeverityInfo).
		WithAddress(c.ClientIP()).
		WithRequest(c.Request.Method, c.Request.URL.Path).
		WithDetail(detail)
	if claims, ok := ClaimsFrom(c); ok {
		event = event.WithSubject(claims.Subject)
	}
	p.sink.Record(event)
}
