package memphis

import (
	"context"

	"memphisflow/frame"
)

type EmitFunc func(*frame.Frame) error

type Adapter interface {
	Configure(Config) error
	Run(context.Context, EmitFunc) error
	Close() error
}

// AckAware sources hear about every frame the sinks have durably handled.
type AckAware interface {
	OnAck(*frame.Checkpoint)
}

// CheckpointStore persists one opaque checkpoint per key. Load returns
// nil without error for an unknown key.
type CheckpointStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, checkpoint []byte) error
}
