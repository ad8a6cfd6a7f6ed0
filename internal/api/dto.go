package api

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ScalesResponse is the body of GET /v1/scales: one scale vector per
// checkpoint slot.  Scalar scales come back as single-element arrays.
type ScalesResponse struct {
	RunID  string               `json:"run_id"`
	Scales map[string][]float32 `json:"scales"`
}

// APIError is the error envelope shared by all endpoints.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
