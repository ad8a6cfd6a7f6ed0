package calibrate

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/stat"

	"github.com/lowbitml/quantsim/pkg/quant"
)

// LayerStats summarises how one layer's output scale evolved over the
// run.  WeightScale holds the frozen weight quantizer scale where the
// strategy persists one (per-channel strategies report every channel).
type LayerStats struct {
	Name        string    `json:"name"`
	FinalScale  float32   `json:"final_scale"`
	ScaleMean   float64   `json:"scale_mean"`
	ScaleStd    float64   `json:"scale_std"`
	WeightScale []float32 `json:"weight_scale,omitempty"`
}

// Report is the JSON calibration summary served by the API and written
// next to the checkpoint.
type Report struct {
	RunID           string       `json:"run_id"`
	Dataset         string       `json:"dataset"`
	CreatedAt       time.Time    `json:"created_at"`
	Steps           int          `json:"steps"`
	WeightQuant     string       `json:"weight_quant"`
	ActivationQuant string       `json:"activation_quant"`
	WeightBits      int          `json:"weight_bits"`
	ActivationBits  int          `json:"activation_bits"`
	Layers          []LayerStats `json:"layers"`
}

func buildReport(runID, dataset string, steps int, cfg Config, net *network, series map[string][]float64) *Report {
	bitsW, bitsA := cfg.WeightBits, cfg.ActivationBits
	if bitsW == 0 {
		bitsW = 8
	}
	if bitsA == 0 {
		bitsA = 8
	}

	report := &Report{
		RunID:           runID,
		Dataset:         dataset,
		CreatedAt:       time.Now().UTC(),
		Steps:           steps,
		WeightQuant:     cfg.WeightQuant.String(),
		ActivationQuant: cfg.ActivationQuant.String(),
		WeightBits:      bitsW,
		ActivationBits:  bitsA,
	}
	for _, ol := range net.observers {
		s := series[ol.name]
		ls := LayerStats{
			Name:       ol.name,
			FinalScale: ol.scale.Scale(),
			ScaleMean:  stat.Mean(s, nil),
		}
		if len(s) > 1 {
			ls.ScaleStd = stat.StdDev(s, nil)
		}
		if ws, ok := ol.layer.State()["weight"]; ok {
			ls.WeightScale = ws[quant.KeyScale]
		}
		report.Layers = append(report.Layers, ls)
	}
	return report
}

// SaveReport writes a report as indented JSON.
func SaveReport(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadReport reads a report written by SaveReport.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}
