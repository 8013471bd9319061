package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printfarm/internal/config"
	"github.com/orrn/printfarm/internal/core"
	"github.com/orrn/printfarm/internal/db"
	"github.com/orrn/printfarm/internal/logging"
	"github.com/orrn/printfarm/internal/transport/transporttest"
)

type envelope struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
	Files    []core.SDFile   `json:"files"`
	Error    string          `json:"error"`
	Message  string          `json:"message"`
}

type testServer struct {
	handler http.Handler
	farm    *core.Farm
	pool    *transporttest.Pool
	store   *db.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.Open(db.Config{Path: ":memory:"})
	require.NoError(t, err)
	history := db.NewJobHistory(store, logging.Discard(), 0)

	pool := transporttest.NewPool(nil)
	opts := core.SessionOptions{
		CommandTimeout: 200 * time.Millisecond,
		QuietPeriod:    5 * time.Millisecond,
	}
	farm := core.NewFarm(opts, pool.Opener(), history, store, logging.Discard())
	t.Cleanup(func() {
		farm.Close()
		history.Close()
		store.Close()
	})

	cfg := config.Default().Server
	cfg.GinMode = gin.TestMode
	return &testServer{
		handler: NewRouter(farm, store, cfg, logging.Discard()),
		farm:    farm,
		pool:    pool,
		store:   store,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func (s *testServer) upload(t *testing.T, printerID, filename string, content []byte) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload_gcode_and_print/"+printerID, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestPrinterLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodGet, "/api/printers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(env.Response))

	rec, env = s.do(t, http.MethodPost, "/api/printers", gin.H{"printer_id": "prusa_mk2s_1", "endpoint": "/dev/ttyACM0"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	var snap core.StatusSnapshot
	require.NoError(t, json.Unmarshal(env.Response, &snap))
	assert.Equal(t, "Marlin 2.1.2 (Github)", snap.Firmware)

	rec, env = s.do(t, http.MethodPost, "/api/printers", gin.H{"printer_id": "prusa_mk2s_1", "endpoint": "/dev/ttyACM0"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_printer", env.Error)

	rec, env = s.do(t, http.MethodPost, "/api/printers", gin.H{"printer_id": "x", "endpoint": "ftp://nowhere"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_endpoint", env.Error)

	_, env = s.do(t, http.MethodGet, "/api/printers", nil)
	assert.JSONEq(t, `["prusa_mk2s_1"]`, string(env.Response))

	entries, err := s.store.ListPrinters(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	rec, _ = s.do(t, http.MethodPost, "/api/printers/prusa_mk2s_1/reconnect", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, s.pool.Opens("/dev/ttyACM0"))

	rec, _ = s.do(t, http.MethodDelete, "/api/printers/prusa_mk2s_1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, env = s.do(t, http.MethodDelete, "/api/printers/prusa_mk2s_1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "printer_not_found", env.Error)

	rec, env = s.do(t, http.MethodPost, "/api/printers", gin.H{"printer_id": "prusa_mk2s_1", "endpoint": "/dev/ttyACM7"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "printer_id_reused", env.Error)

	rec, env = s.do(t, http.MethodPost, "/api/printers", gin.H{"printer_id": "prusa_mk2s_1", "endpoint": "/dev/ttyACM0"})
	assert.Equal(t, http.StatusOK, rec.Code, env.Message)
}

func TestControlAndStatus(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.farm.AddPrinter(context.Background(), "p1", "/dev/ttyACM0"))

	rec, env := s.do(t, http.MethodPost, "/api/control", gin.H{"printer_id": "p1", "gcode_command": "M105"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	assert.Equal(t, "success", env.Status)
	var resp core.ParsedResponse
	require.NoError(t, json.Unmarshal(env.Response, &resp))
	assert.Equal(t, "ok T:24.3 /0.0 B:22.1 /0.0 @:0 B@:0", resp.GcodeOutput)

	rec, env = s.do(t, http.MethodPost, "/api/status", gin.H{"printer_id": "p1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var snap core.StatusSnapshot
	require.NoError(t, json.Unmarshal(env.Response, &snap))
	assert.Equal(t, core.StatusIdle, snap.PrintStatus)
	require.NotNil(t, snap.HotendTemp)
	assert.Equal(t, 24.3, *snap.HotendTemp)

	rec, env = s.do(t, http.MethodPost, "/api/control", gin.H{"printer_id": "nope", "gcode_command": "M105"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, env.Message, "printer nope")

	rec, env = s.do(t, http.MethodPost, "/api/control", gin.H{"printer_id": "p1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error)

	rec, env = s.do(t, http.MethodPost, "/api/control", gin.H{"printer_id": "p1", "gcode_command": "; nothing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error)
}

func TestStatusOfDisconnectedPrinter(t *testing.T) {
	s := newTestServer(t)
	s.pool.Fail("/dev/ttyUSB5", errors.New("no such device"))
	require.NoError(t, s.farm.AddPrinter(context.Background(), "p5", "/dev/ttyUSB5"))
	require.NoError(t, s.farm.AddPrinter(context.Background(), "p1", "/dev/ttyACM0"))

	rec, env := s.do(t, http.MethodPost, "/api/status", gin.H{"printer_id": "p5"})
	require.Equal(t, http.StatusOK, rec.Code)
	var snap core.StatusSnapshot
	require.NoError(t, json.Unmarshal(env.Response, &snap))
	assert.Equal(t, core.StatusDisconnected, snap.PrintStatus)
	assert.True(t, snap.Stale)

	rec, env = s.do(t, http.MethodPost, "/api/control", gin.H{"printer_id": "p5", "gcode_command": "G28"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "printer_disconnected", env.Error)

	rec, env = s.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var results []core.StatusResult
	require.NoError(t, json.Unmarshal(env.Response, &results))
	require.Len(t, results, 2)
	assert.Equal(t, core.PrinterID("p1"), results[0].PrinterID)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, core.PrinterID("p5"), results[1].PrinterID)
	assert.NotEmpty(t, results[1].Error)
}

func TestUploadPauseResumeCancel(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.farm.AddPrinter(context.Background(), "p1", "/dev/ttyACM0"))

	rec, env := s.upload(t, "p1", "benchy.gcode", []byte("; benchy\nG28\nG1 X10 Y10\n"))
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	var job core.PrintJob
	require.NoError(t, json.Unmarshal(env.Response, &job))
	assert.Equal(t, core.JobPrinting, job.State)
	assert.Equal(t, "benchy.gcode", job.Filename)

	rec, env = s.do(t, http.MethodPost, "/api/printers/p1/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", env.Error)

	rec, _ = s.do(t, http.MethodPost, "/api/printers/p1/pause", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/api/printers/p1/resume", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, env = s.do(t, http.MethodPost, "/api/printers/p1/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Response, &job))
	assert.Equal(t, core.JobCanceled, job.State)

	rec, env = s.do(t, http.MethodGet, "/api/printers/p1/job", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var current core.PrintJob
	require.NoError(t, json.Unmarshal(env.Response, &current))
	assert.Equal(t, job.ID, current.ID)

	require.Eventually(t, func() bool {
		rec, err := s.store.GetJob(context.Background(), job.ID)
		return err == nil && rec.State == string(core.JobCanceled)
	}, time.Second, 10*time.Millisecond)

	rec, env = s.do(t, http.MethodGet, "/api/printers/p1/jobs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Jobs  []db.JobRecord `json:"jobs"`
		Total int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Response, &page))
	assert.Equal(t, 1, page.Total)
}

func TestUploadRejectsWrongExtension(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.farm.AddPrinter(context.Background(), "p1", "/dev/ttyACM0"))

	rec, env := s.upload(t, "p1", "benchy.stl", []byte("solid benchy"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_file", env.Error)

	rec, env = s.upload(t, "ghost", "benchy.gcode", []byte("G28\n"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "printer_not_found", env.Error)
}

func TestFilamentAndSDFiles(t *testing.T) {
	s := newTestServer(t)
	s.pool.Handle("/dev/ttyACM0", func(line string) []string {
		switch {
		case line == "M20":
			return []string{"Begin file list", "BENCHY.GCO 4096", "End file list", "ok"}
		case line == "M105":
			return []string{"ok T:215.0 /215.0 B:60.0 /60.0"}
		case line == "M119":
			return []string{"Reporting endstop status", "x_min: open", "z_min: TRIGGERED", "ok"}
		}
		return transporttest.Marlin()(line)
	})
	require.NoError(t, s.farm.AddPrinter(context.Background(), "p1", "/dev/ttyACM0"))

	rec, env := s.do(t, http.MethodPost, "/api/printers/p1/load_filament", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "hotend_too_cold", env.Error)

	_, err := s.farm.SendCommand(context.Background(), "p1", "M105")
	require.NoError(t, err)

	rec, _ = s.do(t, http.MethodPost, "/api/printers/p1/load_filament", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/api/printers/p1/unload_filament", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = s.do(t, http.MethodPost, "/api/sd_files", gin.H{"printer_id": "p1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, []core.SDFile{{Name: "BENCHY.GCO", Size: 4096}}, env.Files)

	rec, env = s.do(t, http.MethodPost, "/api/printers/p1/end_stops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"x_min":"open","z_min":"triggered"}`, string(env.Response))
}
