package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfarm/internal/core"
)

type ConnectPrinterRequest struct {
	PrinterID string `json:"printer_id" binding:"required"`
	Endpoint  string `json:"endpoint" binding:"required"`
}

type PrinterRequest struct {
	PrinterID string `json:"printer_id" binding:"required"`
}

type ControlRequest struct {
	PrinterID    string `json:"printer_id" binding:"required"`
	GcodeCommand string `json:"gcode_command" binding:"required"`
}

type FilesResponse struct {
	Status string        `json:"status"`
	Files  []core.SDFile `json:"files"`
}

type PrinterHandler struct {
	farm *core.Farm
}

func NewPrinterHandler(farm *core.Farm) *PrinterHandler {
	return &PrinterHandler{farm: farm}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	ids := h.farm.ListPrinters()
	if ids == nil {
		ids = []core.PrinterID{}
	}
	ok(c, ids)
}

func (h *PrinterHandler) ConnectPrinter(c *gin.Context) {
	var req ConnectPrinterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", err.Error())
		return
	}

	id := core.PrinterID(strings.TrimSpace(req.PrinterID))
	if err := h.farm.ConnectDevice(c.Request.Context(), id, req.Endpoint); err != nil {
		fail(c, err)
		return
	}
	snap, _ := h.farm.GetStatus(id)
	ok(c, snap)
}

func (h *PrinterHandler) DisconnectPrinter(c *gin.Context) {
	id := core.PrinterID(c.Param("printer_id"))
	if err := h.farm.DisconnectDevice(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"printer_id": id})
}

func (h *PrinterHandler) Reconnect(c *gin.Context) {
	id := core.PrinterID(c.Param("printer_id"))
	if err := h.farm.Reconnect(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	snap, _ := h.farm.GetStatus(id)
	ok(c, snap)
}

// Control sends a raw G-code command and returns the firmware's answer.
func (h *PrinterHandler) Control(c *gin.Context) {
	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", err.Error())
		return
	}

	resp, err := h.farm.SendCommand(c.Request.Context(), core.PrinterID(req.PrinterID), req.GcodeCommand)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, resp)
}

// Status answers from the status cache. A disconnected printer still gets
// its last snapshot, marked stale.
func (h *PrinterHandler) Status(c *gin.Context) {
	var req PrinterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", err.Error())
		return
	}

	snap, err := h.farm.GetStatus(core.PrinterID(req.PrinterID))
	if err != nil && !errors.Is(err, core.ErrDisconnected) {
		fail(c, err)
		return
	}
	ok(c, snap)
}

func (h *PrinterHandler) AllStatuses(c *gin.Context) {
	ok(c, h.farm.Statuses())
}

func (h *PrinterHandler) SDFiles(c *gin.Context) {
	var req PrinterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", err.Error())
		return
	}

	files, err := h.farm.ListFiles(c.Request.Context(), core.PrinterID(req.PrinterID))
	if err != nil {
		fail(c, err)
		return
	}
	if files == nil {
		files = []core.SDFile{}
	}
	c.JSON(http.StatusOK, FilesResponse{Status: statusSuccess, Files: files})
}

func (h *PrinterHandler) LoadFilament(c *gin.Context) {
	resp, err := h.farm.LoadFilament(c.Request.Context(), core.PrinterID(c.Param("printer_id")))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, resp)
}

func (h *PrinterHandler) UnloadFilament(c *gin.Context) {
	resp, err := h.farm.UnloadFilament(c.Request.Context(), core.PrinterID(c.Param("printer_id")))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, resp)
}

func (h *PrinterHandler) EndStops(c *gin.Context) {
	stops, err := h.farm.EndStops(c.Request.Context(), core.PrinterID(c.Param("printer_id")))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, stops)
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
	r.POST("/printers", h.ConnectPrinter)
	r.DELETE("/printers/:printer_id", h.DisconnectPrinter)
	r.POST("/printers/:printer_id/reconnect", h.Reconnect)
	r.POST("/printers/:printer_id/load_filament", h.LoadFilament)
	r.POST("/printers/:printer_id/unload_filament", h.UnloadFilament)
	r.POST("/printers/:printer_id/end_stops", h.EndStops)

	r.POST("/control", h.Control)
	r.POST("/status", h.Status)
	r.GET("/status", h.AllStatuses)
	r.POST("/sd_files", h.SDFiles)
}
