package quant

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
)

// State field names exposed for checkpoint serialization.
const (
	KeyScale = "scale"
	KeyState = "state"
	KeyAccum = "accum"
)

// State holds the named persistent values of one quantizer: a scalar or
// per-channel "scale", plus "state" and "accum" for moving-average
// variants.
type State map[string][]float32

func loadScalar(s State, key string, dst *float32) error {
	v, ok := s[key]
	if !ok {
		return nil
	}
	if len(v) != 1 {
		return fmt.Errorf("%w: %s has %d elements, want 1", ErrShapeMismatch, key, len(v))
	}
	*dst = v[0]
	return nil
}

// Checkpoint is the serialized quantization state of a model: one State
// per named layer slot, eg "conv1.weight" or "fc1.out_scale".
type Checkpoint struct {
	RunID     string           `json:"run_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Layers    map[string]State `json:"layers"`
}

// NewCheckpoint creates an empty checkpoint stamped with the current time.
func NewCheckpoint(runID string) *Checkpoint {
	return &Checkpoint{
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
		Layers:    make(map[string]State),
	}
}

// Add records the state of one layer slot.  Nil states (stateless
// quantizers) are skipped.
func (c *Checkpoint) Add(name string, s State) {
	if s == nil {
		return
	}
	c.Layers[name] = s
}

// SaveCheckpoint writes a checkpoint as indented JSON.
func SaveCheckpoint(path string, c *Checkpoint) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if c.Layers == nil {
		c.Layers = make(map[string]State)
	}
	return &c, nil
}
