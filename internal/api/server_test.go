package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/lowbitml/quantsim/internal/calibrate"
	"github.com/lowbitml/quantsim/internal/tensor"
	"github.com/lowbitml/quantsim/pkg/qds"
	"github.com/lowbitml/quantsim/pkg/quant"
)

func calibratedResult(t *testing.T) *calibrate.Result {
	t.Helper()

	b := qds.NewBuilder(qds.DatasetInfo{Name: "api-test"})
	for i := 0; i < 3; i++ {
		batch := tensor.New(4, 6)
		tensor.FillRand(batch, int64(i+1))
		if err := b.Add("batch"+string(rune('0'+i)), batch, qds.DTypeF32); err != nil {
			t.Fatalf("add batch: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "api.qds")
	if err := b.WriteFile(path); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	ds, err := qds.OpenDataset(path)
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })

	res, err := calibrate.New(calibrate.Config{}, nil).Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	return res
}

func newTestEcho(s *Server) *echo.Echo {
	e := echo.New()
	s.Register(e)
	return e
}

func doGet(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	e := newTestEcho(NewServer(nil))
	rec := doGet(t, e, "/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Version == "" {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestReportAndScalesBeforeCalibration(t *testing.T) {
	t.Parallel()

	e := newTestEcho(NewServer(nil))
	for _, path := range []string{"/v1/report", "/v1/scales"} {
		rec := doGet(t, e, path)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s status %d, want 404", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "not_found_error") {
			t.Fatalf("%s missing error type: %s", path, rec.Body.String())
		}
	}
}

func TestReportAfterCalibration(t *testing.T) {
	t.Parallel()

	res := calibratedResult(t)
	s := NewServer(nil)
	s.SetResult(res.Report, res.Checkpoint)
	e := newTestEcho(s)

	rec := doGet(t, e, "/v1/report")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var report calibrate.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.RunID != res.Report.RunID {
		t.Fatalf("run id %q, want %q", report.RunID, res.Report.RunID)
	}
	if len(report.Layers) != 2 {
		t.Fatalf("layer count %d, want 2", len(report.Layers))
	}
}

func TestScalesAfterCalibration(t *testing.T) {
	t.Parallel()

	res := calibratedResult(t)
	s := NewServer(nil)
	s.SetResult(res.Report, res.Checkpoint)
	e := newTestEcho(s)

	rec := doGet(t, e, "/v1/scales")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var scales ScalesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &scales); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if scales.RunID != res.Report.RunID {
		t.Fatalf("run id %q, want %q", scales.RunID, res.Report.RunID)
	}
	for _, slot := range []string{"fc1.weight", "fc1.out_scale", "fc2.weight", "fc2.out_scale"} {
		if len(scales.Scales[slot]) == 0 {
			t.Fatalf("missing scale for slot %s: %+v", slot, scales.Scales)
		}
	}
}

func TestLoadFiles(t *testing.T) {
	t.Parallel()

	res := calibratedResult(t)
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "report.json")
	ckptPath := filepath.Join(dir, "ckpt.json")
	if err := calibrate.SaveReport(reportPath, res.Report); err != nil {
		t.Fatalf("save report: %v", err)
	}
	if err := quant.SaveCheckpoint(ckptPath, res.Checkpoint); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	s := NewServer(nil)
	if err := s.LoadFiles(reportPath, ckptPath); err != nil {
		t.Fatalf("load files: %v", err)
	}
	e := newTestEcho(s)
	rec := doGet(t, e, "/v1/report")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestLoadFilesMissing(t *testing.T) {
	t.Parallel()

	s := NewServer(nil)
	dir := t.TempDir()
	err := s.LoadFiles(filepath.Join(dir, "nope.json"), filepath.Join(dir, "nope2.json"))
	if err == nil {
		t.Fatalf("expected error for missing files")
	}
}

func TestSetResultSwap(t *testing.T) {
	t.Parallel()

	res := calibratedResult(t)
	s := NewServer(nil)
	s.SetResult(res.Report, res.Checkpoint)

	second := *res.Report
	second.RunID = "second-run"
	second.CreatedAt = time.Now().UTC()
	s.SetResult(&second, res.Checkpoint)

	e := newTestEcho(s)
	rec := doGet(t, e, "/v1/report")
	if !strings.Contains(rec.Body.String(), "second-run") {
		t.Fatalf("expected swapped report, got %s", rec.Body.String())
	}
}
