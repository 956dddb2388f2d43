// Package checkpoint persists the opaque resume tokens the station source
// hands out, keyed by "<station>/<group>/<worker>".
package checkpoint

import (
	"context"
	"fmt"
)

// Store is satisfied by every backend here and by
// source/memphis.CheckpointStore. Load returns nil for an unknown key.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Close() error
}

// Config selects a backend. Kind is memory, file or postgres.
type Config struct {
	Kind  string `yaml:"kind"`
	Path  string `yaml:"path"`  // file
	DSN   string `yaml:"dsn"`   // postgres
	Table string `yaml:"table"` // postgres, default memphisflow_checkpoints
}

func Open(ctx context.Context, c Config) (Store, error) {
	switch c.Kind {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(c.Path)
	case "postgres":
		return NewPostgres(ctx, c.DSN, c.Table)
	default:
		return nil, fmt.Errorf("checkpoint: unknown store kind %q", c.Kind)
	}
}
