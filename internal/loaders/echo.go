package loaders

import "dispatchd/internal/worker"

// EchoLoader returns every payload unchanged. Used for smoke tests and for
// verifying dispatch wiring without loading a real model.
type EchoLoader struct {
	Model string
}

// NewEcho builds an echo loader pinned to model.
func NewEcho(model string) worker.Loader { return &EchoLoader{Model: model} }

func (l *EchoLoader) InitModel() error { return nil }

func (l *EchoLoader) Transform(data map[string]any) (map[string]any, error) {
	return data, nil
}
