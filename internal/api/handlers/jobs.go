package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfarm/internal/core"
	"github.com/orrn/printfarm/internal/db"
)

const defaultMaxUploadSize = 64 << 20

// JobHistory lists finished and running jobs of a printer.
type JobHistory interface {
	ListJobs(ctx context.Context, printerID core.PrinterID, limit, offset int) ([]*db.JobRecord, int, error)
}

type ListJobsQuery struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

type JobHistoryResponse struct {
	Jobs   []*db.JobRecord `json:"jobs"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

type JobHandler struct {
	farm          *core.Farm
	history       JobHistory
	maxUploadSize int64
}

// NewJobHandler builds the job endpoints. history may be nil, in which case
// the history endpoint is not registered.
func NewJobHandler(farm *core.Farm, history JobHistory, maxUploadSize int64) *JobHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = defaultMaxUploadSize
	}
	return &JobHandler{
		farm:          farm,
		history:       history,
		maxUploadSize: maxUploadSize,
	}
}

// UploadAndPrint stores the uploaded G-code file on the printer's SD card
// and starts printing it.
func (h *JobHandler) UploadAndPrint(c *gin.Context) {
	id := core.PrinterID(c.Param("printer_id"))
	if !h.farm.Has(id) {
		fail(c, &core.PrinterError{PrinterID: id, Op: "upload and start", Err: core.ErrNotFound})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Status: statusError, Error: "file_too_large", Message: err.Error()})
			return
		}
		badRequest(c, "validation_error", "multipart field 'file' is required")
		return
	}

	f, err := header.Open()
	if err != nil {
		badRequest(c, "invalid_file", err.Error())
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		badRequest(c, "invalid_file", err.Error())
		return
	}

	job, err := h.farm.UploadAndStart(c.Request.Context(), id, header.Filename, data)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, job)
}

func (h *JobHandler) Start(c *gin.Context) {
	h.jobAction(c, h.farm.StartPrint)
}

func (h *JobHandler) Pause(c *gin.Context) {
	h.jobAction(c, h.farm.Pause)
}

func (h *JobHandler) Resume(c *gin.Context) {
	h.jobAction(c, h.farm.Resume)
}

func (h *JobHandler) Cancel(c *gin.Context) {
	h.jobAction(c, h.farm.Cancel)
}

func (h *JobHandler) jobAction(c *gin.Context, action func(context.Context, core.PrinterID) (core.PrintJob, error)) {
	job, err := action(c.Request.Context(), core.PrinterID(c.Param("printer_id")))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, job)
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.farm.Job(core.PrinterID(c.Param("printer_id")))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, job)
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	id := core.PrinterID(c.Param("printer_id"))

	var q ListJobsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "validation_error", err.Error())
		return
	}
	if q.Limit == 0 {
		q.Limit = 20
	}

	jobs, total, err := h.history.ListJobs(c.Request.Context(), id, q.Limit, q.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Status:  statusError,
			Error:   "database_error",
			Message: "Failed to retrieve jobs",
		})
		return
	}
	if jobs == nil {
		jobs = []*db.JobRecord{}
	}
	ok(c, JobHistoryResponse{Jobs: jobs, Total: total, Limit: q.Limit, Offset: q.Offset})
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/upload_gcode_and_print/:printer_id", h.UploadAndPrint)
	r.GET("/printers/:printer_id/job", h.GetJob)
	r.POST("/printers/:printer_id/start", h.Start)
	r.POST("/printers/:printer_id/pause", h.Pause)
	r.POST("/printers/:printer_id/resume", h.Resume)
	r.POST("/printers/:printer_id/cancel", h.Cancel)
	if h.history != nil {
		r.GET("/printers/:printer_id/jobs", h.ListJobs)
	}
}
