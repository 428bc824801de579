package server

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kkkkikiki/voucher/internal/repository"
	"github.com/kkkkikiki/voucher/internal/service"
)

const (
	defaultActor = "admin"
	actorHeader  = "X-Admin-Actor"
)

// AdminServer exposes the operator REST API
type AdminServer struct {
	vouchers *service.VoucherService
	admin    *service.AdminService
	token    string
}

// NewAdminServer creates a new AdminServer instance. Requests must carry
// token as a bearer token; an empty token rejects every request.
func NewAdminServer(vouchers *service.VoucherService, admin *service.AdminService, token string) *AdminServer {
	return &AdminServer{vouchers: vouchers, admin: admin, token: token}
}

// Handler returns a gin engine serving the admin API under prefix
func (s *AdminServer) Handler(prefix string) http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	api := engine.Group(prefix, s.authMiddleware())
	{
		api.GET("/stats", s.getStats)
		api.GET("/issuances", s.listIssuances)
		api.GET("/issuances/export", s.exportIssuances)
		api.DELETE("/issuances/:id", s.reverseIssuance)
		api.GET("/codes", s.listCodes)
		api.POST("/codes/import", s.importCodes)
		api.POST("/codes/import-csv", s.importCodesCSV)
		api.GET("/blocked-ips", s.listBlockedIPs)
		api.POST("/block-ip", s.blockIP)
		api.POST("/unblock-ip", s.unblockIP)
		api.GET("/settings", s.getSettings)
		api.POST("/settings/redownload", s.setRedownload)
		api.GET("/analytics", s.getAnalytics)
		api.GET("/analytics/export", s.exportAnalytics)
		api.GET("/audit", s.listAudit)
	}

	return engine
}

// authMiddleware checks the static admin bearer token
func (s *AdminServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		// Extract token from "Bearer <token>" format
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || s.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin token"})
			return
		}

		actor := strings.TrimSpace(c.GetHeader(actorHeader))
		if actor == "" {
			actor = defaultActor
		}
		c.Set("actor", actor)

		c.Next()
	}
}

// requestLogger logs every admin request through logrus
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  c.GetHeader(RequestIDHeader),
			"ip_address":  clientIP(c.Request.Context(), c.Request.RemoteAddr),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("admin request failed")
			return
		}
		entry.Info("admin request completed")
	}
}

func actor(c *gin.Context) string {
	return c.GetString("actor")
}

// respondError writes the HTTP status matching err
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrUnknownCategory):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrIssuanceNotFound), errors.Is(err, service.ErrBlockNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logrus.WithError(err).WithField("path", c.Request.URL.Path).Error("admin request error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// getStats returns pool totals per category
func (s *AdminServer) getStats(c *gin.Context) {
	stats, err := s.vouchers.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *AdminServer) listIssuances(c *gin.Context) {
	var filter repository.IssuanceFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, err := s.vouchers.ListIssuances(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// reverseIssuance soft-deletes an issuance and returns its code to the pool
func (s *AdminServer) reverseIssuance(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid issuance ID"})
		return
	}

	result, err := s.vouchers.Reverse(c.Request.Context(), id, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"issuance_id":      result.IssuanceID,
		"code_id":          result.CodeID,
		"voucher_released": result.VoucherReleased,
		"already_reversed": result.AlreadyReversed,
	})
}

func (s *AdminServer) listCodes(c *gin.Context) {
	var filter repository.CodeFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	codes, total, err := s.admin.ListCodes(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	page, limit, _ := filter.Bounds()
	c.JSON(http.StatusOK, gin.H{
		"codes": codes,
		"page":  page,
		"limit": limit,
		"total": total,
	})
}

func (s *AdminServer) importCodes(c *gin.Context) {
	var req service.ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Actor = actor(c)

	result, err := s.admin.ImportCodes(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// importCodesCSV accepts a multipart "file" field, or the CSV as the raw body
func (s *AdminServer) importCodesCSV(c *gin.Context) {
	body := c.Request.Body
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded file"})
			return
		}
		defer f.Close()
		body = f
	}

	codes, err := service.ParseCodesCSV(body)
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := s.admin.ImportCodes(c.Request.Context(), service.ImportRequest{
		Category: c.Query("category"),
		Codes:    codes,
		Actor:    actor(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *AdminServer) listBlockedIPs(c *gin.Context) {
	entries, err := s.admin.BlockedIPs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked_ips": entries})
}

type blockRequest struct {
	IPAddress string `json:"ip_address" binding:"required"`
	Reason    string `json:"reason"`
}

func (s *AdminServer) blockIP(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.admin.BlockIP(c.Request.Context(), req.IPAddress, req.Reason, actor(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "IP address blocked"})
}

func (s *AdminServer) unblockIP(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.admin.UnblockIP(c.Request.Context(), req.IPAddress, actor(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "IP address unblocked"})
}

func (s *AdminServer) getSettings(c *gin.Context) {
	settings, err := s.admin.Settings(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

type redownloadRequest struct {
	Allow *bool `json:"allow" binding:"required"`
}

func (s *AdminServer) setRedownload(c *gin.Context) {
	var req redownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings, err := s.admin.SetRedownload(c.Request.Context(), *req.Allow, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *AdminServer) listAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	events, err := s.admin.RecentAudit(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// getAnalytics reports page views and conversions per source
func (s *AdminServer) getAnalytics(c *gin.Context) {
	var span service.AnalyticsRange
	if err := c.ShouldBindQuery(&span); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := s.admin.Analytics(c.Request.Context(), span)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *AdminServer) exportAnalytics(c *gin.Context) {
	var span service.AnalyticsRange
	if err := c.ShouldBindQuery(&span); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var buf bytes.Buffer
	if err := s.admin.ExportAnalyticsCSV(c.Request.Context(), &buf, span, actor(c)); err != nil {
		respondError(c, err)
		return
	}
	sendCSV(c, "analytics-by-source", buf.Bytes())
}

func (s *AdminServer) exportIssuances(c *gin.Context) {
	var buf bytes.Buffer
	if err := s.admin.ExportIssuancesCSV(c.Request.Context(), &buf, actor(c)); err != nil {
		respondError(c, err)
		return
	}
	sendCSV(c, "issuances", buf.Bytes())
}

// sendCSV serves data as a timestamped attachment
func sendCSV(c *gin.Context, name string, data []byte) {
	filename := fmt.Sprintf("%s-%s.csv", name, time.Now().Format("20060102-150405"))
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
}
