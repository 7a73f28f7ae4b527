// Package types holds the exported views of dispatcher state consumed by the
// ops HTTP surface and by embedding applications.
package types

// WorkerStatus reports one tracked worker. Alive is process liveness; Ready
// is readiness confirmed by a health-check round trip, never inferred from
// liveness alone.
type WorkerStatus struct {
	Alive bool `json:"alive"`
	Ready bool `json:"ready"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	BrokerAlive bool                    `json:"broker_alive"`
	Workers     map[string]WorkerStatus `json:"workers"`
}
