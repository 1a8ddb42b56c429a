package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/auth"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/database"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/validation"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type assetRequest struct {
	Domain string `json:"domain"`
}

type vulnerabilityResponse struct {
	Name         string         `json:"name"`
	Severity     types.Severity `json:"severity"`
	URL          string         `json:"url"`
	AISummary    *string        `json:"ai_summary"`
	AIMitigation *string        `json:"ai_mitigation"`
}

type scanResponse struct {
	ScanID          int64                   `json:"scan_id"`
	Domain          string                  `json:"domain"`
	Status          types.ScanStatus        `json:"status"`
	ErrorMessage    string                  `json:"error_message,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	Vulnerabilities []vulnerabilityResponse `json:"vulnerabilities"`
}

type assetResponse struct {
	ID        int64        `json:"id"`
	Domain    string       `json:"domain"`
	CreatedAt time.Time    `json:"created_at"`
	Scans     []types.Scan `json:"scans"`
}

func newScanResponse(r *types.ScanReport) scanResponse {
	vulns := make([]vulnerabilityResponse, 0, len(r.Vulnerabilities))
	for _, v := range r.Vulnerabilities {
		vulns = append(vulns, vulnerabilityResponse{
			Name:         v.Name,
			Severity:     v.Severity,
			URL:          v.URL,
			AISummary:    v.AISummary,
			AIMitigation: v.AIMitigation,
		})
	}
	return scanResponse{
		ScanID:          r.Scan.ID,
		Domain:          r.Domain,
		Status:          r.Scan.Status,
		ErrorMessage:    r.Scan.ErrorMessage,
		CreatedAt:       r.Scan.CreatedAt,
		StartedAt:       r.Scan.StartedAt,
		CompletedAt:     r.Scan.CompletedAt,
		Vulnerabilities: vulns,
	}
}

func errorJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// fail maps domain errors onto HTTP statuses. Anything unrecognised is a 500
// with the detail kept in the log.
func (h *handler) fail(c *gin.Context, err error, operation string) {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials),
		errors.Is(err, auth.ErrUsernameTaken),
		errors.Is(err, auth.ErrUsernameTooLong),
		errors.Is(err, validation.ErrEmptyTarget),
		errors.Is(err, validation.ErrInvalidDomain),
		errors.Is(err, validation.ErrPrivateTarget):
		errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		errorJSON(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, pipeline.ErrForbidden):
		errorJSON(c, http.StatusForbidden, "Unauthorized")
	case errors.Is(err, database.ErrNotFound):
		errorJSON(c, http.StatusNotFound, "Not found")
	case errors.Is(err, database.ErrDuplicate):
		errorJSON(c, http.StatusConflict, "Already exists")
	default:
		logger.FromContext(c.Request.Context()).LogError(c.Request.Context(), err, operation)
		errorJSON(c, http.StatusInternalServerError, "Internal server error")
	}
}

func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

func (h *handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, auth.ErrMissingCredentials.Error())
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if _, err := h.auth.Register(ctx, req.Username, req.Password); err != nil {
		h.fail(c, err, "api.register")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "User registered successfully"})
}

func (h *handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	session, err := h.auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		h.fail(c, err, "api.login")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "Login successful",
		"user_id":    session.User.ID,
		"token":      session.Token,
		"expires_at": session.ExpiresAt,
	})
}

func (h *handler) logout(c *gin.Context) {
	if token := bearerToken(c); token != "" {
		ctx, cancel := requestContext(c)
		defer cancel()
		if err := h.auth.Logout(ctx, token); err != nil {
			h.fail(c, err, "api.logout")
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logout successful"})
}

func (h *handler) submitAsset(c *gin.Context) {
	var req assetRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Domain == "" {
		errorJSON(c, http.StatusBadRequest, validation.ErrEmptyTarget.Error())
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	claims := currentClaims(c)
	scan, err := h.submitter.SubmitScan(ctx, claims.UserID, req.Domain)
	if err != nil {
		if scan != nil {
			// The scan row exists but could not be queued; it is already FAILED.
			logger.FromContext(ctx).LogError(ctx, err, "api.submitAsset", "scan_id", scan.ID)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "Failed to queue scan",
				"scan_id": scan.ID,
			})
			return
		}
		h.fail(c, err, "api.submitAsset")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Scan started",
		"scan_id": scan.ID,
	})
}

func (h *handler) rescan(c *gin.Context) {
	assetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorJSON(c, http.StatusNotFound, "Asset not found")
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	scan, err := h.submitter.Rescan(ctx, currentClaims(c).UserID, assetID)
	if err != nil {
		if scan != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "Failed to queue scan",
				"scan_id": scan.ID,
			})
			return
		}
		if errors.Is(err, database.ErrNotFound) {
			errorJSON(c, http.StatusNotFound, "Asset not found")
			return
		}
		h.fail(c, err, "api.rescan")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Scan started",
		"scan_id": scan.ID,
	})
}

func (h *handler) listAssets(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	assets, err := h.store.ListAssetsByUser(ctx, currentClaims(c).UserID)
	if err != nil {
		h.fail(c, err, "api.listAssets")
		return
	}

	out := make([]assetResponse, 0, len(assets))
	for _, a := range assets {
		scans, err := h.store.ListScansByAsset(ctx, a.ID)
		if err != nil {
			h.fail(c, err, "api.listAssets")
			return
		}
		out = append(out, assetResponse{
			ID:        a.ID,
			Domain:    a.Domain,
			CreatedAt: a.CreatedAt,
			Scans:     scans,
		})
	}
	c.JSON(http.StatusOK, gin.H{"assets": out})
}

// loadOwnedReport writes the 404/403 response itself and returns nil when
// the caller may not see the scan.
func (h *handler) loadOwnedReport(c *gin.Context, ctx context.Context) *types.ScanReport {
	scanID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorJSON(c, http.StatusNotFound, "Scan not found")
		return nil
	}

	report, err := h.store.GetScanReport(ctx, scanID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			errorJSON(c, http.StatusNotFound, "Scan not found")
			return nil
		}
		h.fail(c, err, "api.getScan")
		return nil
	}

	if report.OwnerID != currentClaims(c).UserID {
		errorJSON(c, http.StatusForbidden, "Unauthorized")
		return nil
	}
	return report
}

func (h *handler) getScan(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	report := h.loadOwnedReport(c, ctx)
	if report == nil {
		return
	}
	c.JSON(http.StatusOK, newScanResponse(report))
}
