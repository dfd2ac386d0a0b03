package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tanodlink/crimeledger/internal/reports/model"
	"github.com/tanodlink/crimeledger/internal/reports/service"
	"go.uber.org/zap"
)

// LedgerAdvisory accompanies every ledger read.
const LedgerAdvisory = "This data is retrieved from the blockchain and must be verified against the source system for accuracy and consistency."

// ReportHandler handles HTTP requests for crime reports.
type ReportHandler struct {
	intake *service.IntakeService
	query  *service.QueryService
	verify *service.VerifyService
	logger *zap.Logger
}

// NewReportHandler creates a new ReportHandler.
func NewReportHandler(intake *service.IntakeService, query *service.QueryService, verify *service.VerifyService, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{intake: intake, query: query, verify: verify, logger: logger}
}

// Register mounts the report routes on the given router group.
func (h *ReportHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/report", h.SubmitReport)
	rg.GET("/reports", h.ListReports)
	rg.POST("/reports/:id/anchor", h.Reanchor)

	crime := rg.Group("/crime")
	{
		crime.GET("/:id", h.GetCrime)
		crime.GET("/:id/verify", h.VerifyCrime)
	}
}

// SubmitReport handles POST /report. Stores a report and anchors its fingerprint.
// Accepts form-encoded, multipart or JSON bodies.
func (h *ReportHandler) SubmitReport(c *gin.Context) {
	var req model.SubmitRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SubmitterLabel == "" {
		req.SubmitterLabel = c.PostForm("anonyname")
	}

	res, err := h.intake.Submit(c.Request.Context(), req)
	if err != nil {
		var valErr *service.ValidationError
		if errors.As(err, &valErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Missing required fields",
				"field": valErr.Field,
				"state": model.IntakeRejectedInput,
			})
			return
		}
		h.logger.Error("submit report", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store report"})
		return
	}

	resp := gin.H{
		"id":          res.ID,
		"fingerprint": res.Fingerprint,
		"timestamp":   res.Timestamp,
		"state":       res.State,
		"anchored":    res.Anchored,
	}
	if res.Anchored {
		resp["message"] = "Crime reported successfully"
		c.JSON(http.StatusCreated, resp)
		return
	}

	resp["message"] = "Crime report stored; ledger anchoring is pending"
	if res.AnchorErr != nil {
		resp["error"] = res.AnchorErr.Error()
	}
	c.JSON(http.StatusAccepted, resp)
}

// reportView is the listing projection of a report.
type reportView struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Status      model.Status `json:"status"`
	Type        string       `json:"type"`
	Anchored    bool         `json:"anchored"`
}

// ListReports handles GET /reports. Lists stored reports newest first.
// The ledger is not consulted.
func (h *ReportHandler) ListReports(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	reports, err := h.query.List(c.Request.Context(), model.ListFilter{
		Status: model.Status(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		if errors.Is(err, service.ErrInputValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("list reports", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	views := make([]reportView, 0, len(reports))
	for _, r := range reports {
		views = append(views, reportView{
			ID:          r.ID,
			Name:        r.SubmitterLabel,
			Description: r.Description,
			Status:      r.Status,
			Type:        "text",
			Anchored:    r.Anchored(),
		})
	}
	c.JSON(http.StatusOK, views)
}

// GetCrime handles GET /crime/:id. Returns the ledger copy of a report.
func (h *ReportHandler) GetCrime(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	_, raw, err := h.query.ReadAnchor(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Crime report not found for ID: %d", id)})
		case errors.Is(err, service.ErrLedgerUnavailable):
			h.logger.Warn("read crime", zap.Int64("report_id", id), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
		default:
			h.logger.Error("read crime", zap.Int64("report_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred while fetching the crime record"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"crimeId": strconv.FormatInt(id, 10),
		"data":    string(raw),
		"message": LedgerAdvisory,
	})
}

// VerifyCrime handles GET /crime/:id/verify. Compares the store copy with the
// ledger anchor. A mismatch is a result, reported with 200.
func (h *ReportHandler) VerifyCrime(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	v, err := h.verify.Verify(c.Request.Context(), id)
	if v.Result == model.VerifyError {
		resp := gin.H{"verification": v}
		if err != nil {
			resp["error"] = err.Error()
		}
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Reanchor handles POST /reports/:id/anchor. Retries anchoring one report.
func (h *ReportHandler) Reanchor(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	r, err := h.intake.Reanchor(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"report": r, "anchored": r.Anchored()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
	case errors.Is(err, service.ErrStoreUnavailable):
		h.logger.Error("reanchor", zap.Int64("report_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load report"})
	case errors.Is(err, service.ErrLedgerRejected):
		c.JSON(http.StatusConflict, gin.H{"report": r, "anchored": false, "error": err.Error()})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"report": r, "anchored": false, "error": err.Error()})
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}
