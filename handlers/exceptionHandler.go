package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/reports"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/mmdatafocus/exceptions_backend/workflow"
)

// ExceptionAPI is what the routes need from workflow.ExceptionService.
type ExceptionAPI interface {
	List(ctx context.Context, tenantId string, filter models.ListFilter) ([]*models.Exception, error)
	Stats(ctx context.Context, tenantId string) (*models.ExceptionStats, error)
	Explain(ctx context.Context, tenantId string, id int) (*workflow.Explanation, error)
	Triage(ctx context.Context, tenantId string, id int, assignedTo *string, notes *string) (*models.Exception, error)
	Snooze(ctx context.Context, tenantId string, id int, until time.Time, notes *string) (*models.Exception, error)
	Resolve(ctx context.Context, tenantId string, id int, reason *string) (*models.Exception, error)
}

// DetectionAPI runs detection for one tenant.
type DetectionAPI interface {
	RunDetection(ctx context.Context, tenantId string) (*workflow.RunSummary, error)
}

type ExceptionHandler struct {
	Service  ExceptionAPI
	Detector DetectionAPI
}

func NewExceptionHandler(service ExceptionAPI, detector DetectionAPI) *ExceptionHandler {
	return &ExceptionHandler{Service: service, Detector: detector}
}

// RegisterRoutes mounts the tenant-scoped routes. The group must already run RequireTenant.
func (h *ExceptionHandler) RegisterRoutes(g gin.IRoutes) {
	g.POST("/detect", h.detect)
	g.GET("/", h.list)
	g.GET("/list", h.list)
	g.GET("/stats", h.stats)
	g.GET("/explain/:id", h.explain)
	g.GET("/export", h.export)
	g.POST("/:id/triage", h.triage)
	g.POST("/:id/snooze", h.snooze)
	g.POST("/:id/resolve", h.resolve)
}

type listQuery struct {
	Status   string `form:"status" binding:"omitempty,oneof=open triaged snoozed resolved all"`
	Type     string `form:"type" binding:"omitempty,oneof=ORPHAN_BANK_TXN AR_OVERDUE PARTIAL_MATCH_STUCK"`
	Severity string `form:"severity" binding:"omitempty,oneof=low medium high critical"`
	Sort     string `form:"sort" binding:"omitempty,oneof=impact aging recency"`
	Limit    int    `form:"limit" binding:"omitempty,min=1"`
}

func (q listQuery) filter() models.ListFilter {
	f := models.ListFilter{
		Status:   models.ExceptionStatusOpen,
		Type:     models.ExceptionType(q.Type),
		Severity: models.Severity(q.Severity),
		Sort:     models.SortByImpact,
		Limit:    q.Limit,
	}
	switch q.Status {
	case "":
	case "all":
		f.Status = ""
	default:
		f.Status = models.ExceptionStatus(q.Status)
	}
	if q.Sort != "" {
		f.Sort = models.SortOrder(q.Sort)
	}
	return f
}

type triageRequest struct {
	AssignedTo  *string `json:"assignedTo" binding:"omitempty,max=255"`
	TriageNotes *string `json:"triageNotes" binding:"omitempty,max=4000"`
}

type snoozeRequest struct {
	SnoozedUntil *time.Time `json:"snoozedUntil" binding:"required"`
	TriageNotes  *string    `json:"triageNotes" binding:"omitempty,max=4000"`
}

type resolveRequest struct {
	ResolvedReason *string `json:"resolvedReason" binding:"omitempty,max=4000"`
}

func tenantOf(c *gin.Context) (string, bool) {
	tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
	if !ok {
		writeError(c, utils.ErrNoTenant)
	}
	return tenantId, ok
}

func idParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exception id"})
		return 0, false
	}
	return id, true
}

// bindJSON treats an empty body as an empty request.
func bindJSON(c *gin.Context, dest any) bool {
	err := c.ShouldBindJSON(dest)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeBindError(c, err)
	return false
}

func writeBindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid request",
			"fields": utils.ProcessValidationErrors(err),
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

func writeError(c *gin.Context, err error) {
	status := utils.HTTPStatusForError(err)
	msg := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		msg = utils.ErrStoreUnavailable.Error()
		_ = c.Error(err)
	case status >= http.StatusInternalServerError:
		msg = "internal error"
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": msg})
}

func (h *ExceptionHandler) detect(c *gin.Context) {
	tenantId, ok := tenantOf(c)
	if !ok {
		return
	}
	summary, err := h.Detector.RunDetection(c.Request.Context(), tenantId)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"open_counts": summary.OpenCounts,
		"summary":     summary,
	})
}

func (h *ExceptionHandler) listFromQuery(c *gin.Context) ([]*models.Exception, bool) {
	tenantId, ok := tenantOf(c)
	if !ok {
		return nil, false
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return nil, false
	}
	rows, err := h.Service.List(c.Request.Context(), tenantId, q.filter())
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if rows == nil {
		rows = []*models.Exception{}
	}
	return rows, true
}

func (h *ExceptionHandler) list(c *gin.Context) {
	rows, ok := h.listFromQuery(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"exceptions": rows, "count": len(rows)})
}

func (h *ExceptionHandler) export(c *gin.Context) {
	rows, ok := h.listFromQuery(c)
	if !ok {
		return
	}
	tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
	filename := fmt.Sprintf("exceptions-%s-%s.xlsx", tenantId, time.Now().UTC().Format("20060102"))
	c.Header("Content-Type", reports.XlsxContentType)
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Status(http.StatusOK)
	if err := reports.WriteExceptions(c.Writer, rows); err != nil {
		_ = c.Error(err)
	}
}

func (h *ExceptionHandler) stats(c *gin.Context) {
	tenantId, ok := tenantOf(c)
	if !ok {
		return
	}
	stats, err := h.Service.Stats(c.Request.Context(), tenantId)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *ExceptionHandler) explain(c *gin.Context) {
	tenantId, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	explanation, err := h.Service.Explain(c.Request.Context(), tenantId, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, explanation)
}

func (h *ExceptionHandler) triage(c *gin.Context) {
	tenantId, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req triageRequest
	if !bindJSON(c, &req) {
		return
	}
	e, err := h.Service.Triage(c.Request.Context(), tenantId, id, req.AssignedTo, req.TriageNotes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *ExceptionHandler) snooze(c *gin.Context) {
	tenantId, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req snoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	e, err := h.Service.Snooze(c.Request.Context(), tenantId, id, *req.SnoozedUntil, req.TriageNotes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *ExceptionHandler) resolve(c *gin.Context) {
	tenantId, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req resolveRequest
	if !bindJSON(c, &req) {
		return
	}
	e, err := h.Service.Resolve(c.Request.Context(), tenantId, id, req.ResolvedReason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}
