package protocol

import "encoding/json"

// Field names are shared wire contract with other implementations of the
// dispatch protocol; do not rename.

// TaskRequest is the envelope a client sends to a worker. WorkerID names the
// destination worker; Data is an opaque model-specific payload. Envelopes are
// built fresh per call and never mutated after construction.
type TaskRequest struct {
	WorkerID string         `json:"worker_id"`
	Data     map[string]any `json:"data"`
}

// TaskResponse is the envelope a worker sends back. WorkerID echoes the
// responder; Success is the sole authoritative outcome flag. On failure the
// error message is carried under Data["error"].
type TaskResponse struct {
	WorkerID string         `json:"worker_id"`
	Data     map[string]any `json:"data"`
	Success  bool           `json:"success"`
}

// HealthCheckType marks a payload as a readiness probe. A worker answers it
// without touching the model.
const HealthCheckType = "HEALTH_CHECK"

// HealthCheckData builds the payload for a readiness probe.
func HealthCheckData() map[string]any {
	return map[string]any{"type": HealthCheckType}
}

// IsHealthCheck reports whether the request payload carries the probe marker.
func (r TaskRequest) IsHealthCheck() bool {
	if r.Data == nil {
		return false
	}
	t, _ := r.Data["type"].(string)
	return t == HealthCheckType
}

// ErrorResponse builds a failed response carrying msg under data.error.
func ErrorResponse(workerID, msg string) TaskResponse {
	return TaskResponse{WorkerID: workerID, Data: map[string]any{"error": msg}, Success: false}
}

// ErrorMessage extracts data.error, or "" when absent.
func (r TaskResponse) ErrorMessage() string {
	if r.Data == nil {
		return ""
	}
	s, _ := r.Data["error"].(string)
	return s
}

// ParseRequest decodes a request envelope from its JSON payload frame.
func ParseRequest(b []byte) (TaskRequest, error) {
	var req TaskRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return TaskRequest{}, err
	}
	return req, nil
}

// ParseResponse decodes a response envelope from its JSON payload frame.
func ParseResponse(b []byte) (TaskResponse, error) {
	var resp TaskResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return TaskResponse{}, err
	}
	return resp, nil
}
