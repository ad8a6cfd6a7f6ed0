// Package api exposes calibration results over a small REST surface.
package api

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v5"

	"github.com/lowbitml/quantsim/internal/calibrate"
	"github.com/lowbitml/quantsim/internal/logger"
	"github.com/lowbitml/quantsim/internal/version"
	"github.com/lowbitml/quantsim/pkg/quant"
)

// Server serves the latest calibration report and checkpoint scales.
// Results can be swapped at any time; reads and writes are safe to mix.
type Server struct {
	log logger.Logger

	mu     sync.RWMutex
	report *calibrate.Report
	ckpt   *quant.Checkpoint
}

// NewServer creates a server with no calibration loaded yet.
func NewServer(log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{log: log}
}

// SetResult publishes a calibration result to subsequent requests.
func (s *Server) SetResult(report *calibrate.Report, ckpt *quant.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = report
	s.ckpt = ckpt
}

// LoadFiles reads a report and checkpoint from disk and publishes them.
func (s *Server) LoadFiles(reportPath, checkpointPath string) error {
	report, err := calibrate.LoadReport(reportPath)
	if err != nil {
		return err
	}
	ckpt, err := quant.LoadCheckpoint(checkpointPath)
	if err != nil {
		return err
	}
	s.SetResult(report, ckpt)
	s.log.Info("calibration loaded", "run_id", report.RunID, "layers", len(ckpt.Layers))
	return nil
}

// Register mounts the API routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/health", s.handleHealth)
	e.GET("/v1/report", s.handleReport)
	e.GET("/v1/scales", s.handleScales)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
	})
}

func (s *Server) handleReport(c *echo.Context) error {
	s.mu.RLock()
	report := s.report
	s.mu.RUnlock()
	if report == nil {
		return writeNotFound(c, "no calibration loaded")
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleScales(c *echo.Context) error {
	s.mu.RLock()
	ckpt := s.ckpt
	s.mu.RUnlock()
	if ckpt == nil {
		return writeNotFound(c, "no calibration loaded")
	}

	resp := ScalesResponse{
		RunID:  ckpt.RunID,
		Scales: make(map[string][]float32, len(ckpt.Layers)),
	}
	for name, state := range ckpt.Layers {
		if scale, ok := state[quant.KeyScale]; ok {
			resp.Scales[name] = scale
		}
	}
	return c.JSON(http.StatusOK, resp)
}
