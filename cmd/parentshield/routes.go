package main

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parentshield/parentshield/internal/observability"
	"github.com/parentshield/parentshield/internal/pipeline"
	"github.com/parentshield/parentshield/internal/token"
)

func (a *application) buildRouter() *gin.Engine {
	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", a.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	r.GET("/.well-known/jwks.json", a.handleJWKS)

	api := r.Group("/api/v1", a.pipeline.PublicChain()...)

	auth := api.Group("/auth")
	auth.GET("/csrf", a.handleBootstrapCSRF)
	auth.POST("/login", a.handleLogin)
	auth.POST("/refresh", a.handleRefresh)

	protected := api.Group("")
	protected.Use(a.pipeline.Authenticate())

	second := protected.Group("/auth/2fa")
	second.POST("/enroll", a.handleEnrollTwoFactor)
	second.POST("/verify", a.handleVerifyTwoFactor)
	second.POST("/backup-verify", a.handleVerifyBackupCode)

	a.pipeline.RegisterAdminRoutes(protected)
	return r
}

func (a *application) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version,
	})
}

// handleJWKS publishes the public verification keys so downstream services
// can verify access tokens without calling back.
func (a *application) handleJWKS(c *gin.Context) {
	set, err := a.keys.JWKS()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "verification keys unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, set)
}

// handleBootstrapCSRF hands an anonymous session its first anti-forgery
// pair so the login mutation itself can pass the double-submit check.
func (a *application) handleBootstrapCSRF(c *gin.Context) {
	value, err := a.pipeline.IssueCSRFCookie(c, uuid.NewString())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "could not issue anti-forgery token",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"csrfToken": value}})
}

type loginRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Password  string `json:"password" binding:"required"`
}

func (a *application) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "accountId and password are required",
		})
		return
	}

	record, err := a.pipeline.AuthenticateAccount(c.Request.Context(), req.AccountID, req.Password, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"message": "invalid account or password",
		})
		return
	}

	deviceID := c.GetHeader(pipeline.HeaderDeviceID)
	pair, err := a.pipeline.IssueTokenPair(c.Request.Context(), record.AccountID, deviceID)
	if err != nil {
		if errors.Is(err, pipeline.ErrDeviceNotBound) {
			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"message": "device is not registered to this account",
			})
			return
		}
		a.logger.Error("token issuance failed",
			observability.String("account_id", record.AccountID),
			observability.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "could not issue tokens",
		})
		return
	}

	csrfToken, err := a.pipeline.IssueCSRFCookie(c, record.AccountID)
	if err != nil {
		a.logger.Error("csrf issuance failed", observability.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"tokens":            pair,
			"csrfToken":         csrfToken,
			"twoFactorEnrolled": len(record.TwoFactorSecret) > 0,
		},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *application) handleRefresh(c *gin.Context) {
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)
	refresh := req.RefreshToken
	if refresh == "" {
		refresh = c.GetHeader(pipeline.HeaderRefreshToken)
	}
	if refresh == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "refresh token is required",
		})
		return
	}

	pair, err := a.pipeline.Refresh(refresh, c.GetHeader(pipeline.HeaderDeviceID))
	if err != nil {
		status := http.StatusUnauthorized
		message := "refresh token rejected"
		if errors.Is(err, token.ErrFingerprintMismatch) {
			status = http.StatusForbidden
			message = "device mismatch"
		}
		c.JSON(status, gin.H{"success": false, "message": message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"tokens": pair}})
}

// handleEnrollTwoFactor provisions a fresh TOTP secret and one batch of
// backup codes for the authenticated account. Re-enrolling replaces both.
func (a *application) handleEnrollTwoFactor(c *gin.Context) {
	claims, ok := pipeline.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authentication required"})
		return
	}

	record, err := a.accounts.Lookup(c.Request.Context(), claims.Subject)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "account not found"})
		return
	}

	enrollment, err := a.second.GenerateSecret(claims.Subject)
	if err != nil {
		a.logger.Error("two-factor enrollment failed",
			observability.String("account_id", claims.Subject),
			observability.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "enrollment failed"})
		return
	}

	backupCodes, err := a.second.GenerateBackupCodes(claims.Subject, a.cfg.TwoFactor.BackupCodeCount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "enrollment failed"})
		return
	}

	record.TwoFactorSecret = enrollment.EncryptedSecret
	a.accounts.Put(*record)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"provisioningUri": enrollment.ProvisioningURI,
			"qrCodePng":       base64.StdEncoding.EncodeToString(enrollment.QRCodePNG),
			"backupCodes":     backupCodes,
		},
	})
}

type twoFactorRequest struct {
	Code string `json:"code" binding:"required"`
}

func (a *application) handleVerifyTwoFactor(c *gin.Context) {
	claims, ok := pipeline.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authentication required"})
		return
	}
	var req twoFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "code is required"})
		return
	}

	record, err := a.accounts.Lookup(c.Request.Context(), claims.Subject)
	if err != nil || len(record.TwoFactorSecret) == 0 {
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "account is not enrolled"})
		return
	}

	if err := a.second.Verify(req.Code, record.TwoFactorSecret, claims.Subject); err != nil {
		a.inspector.RecordSuspicious(c.ClientIP(), "two-factor failure")
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "invalid code"})
		return
	}

	a.second.ConfirmSession(claims.JWTID, claims.Subject)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *application) handleVerifyBackupCode(c *gin.Context) {
	claims, ok := pipeline.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authentication required"})
		return
	}
	var req twoFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "code is required"})
		return
	}

	if err := a.second.VerifyBackupCode(claims.Subject, req.Code); err != nil {
		a.inspector.RecordSuspicious(c.ClientIP(), "backup code failure")
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "invalid backup code"})
		return
	}

	a.second.ConfirmSession(claims.JWTID, claims.Subject)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"remainingBackupCodes": a.second.RemainingBackupCodes(claims.Subject),
		},
	})
}
