package memphis

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	client "memphisflow/memphis"
)

const envPrefix = "MEMPHISFLOW_MEMPHIS__"

type CommitMode string

const (
	CommitAuto CommitMode = "auto" // resolve on emit
	CommitE2E  CommitMode = "e2e"  // resolve on sink ack
)

type BackPressureCfg struct {
	Capacity int64         `koanf:"capacity"`       // max unresolved frames
	CheckInt time.Duration `koanf:"check_interval"` // refill tick
}

type CheckpointCfg struct {
	CommitInt time.Duration `koanf:"commit_interval"` // flush cadence
}

// Config is the station source as read from its YAML file and the
// environment.
type Config struct {
	Connection client.Config `koanf:"connection"`

	Station       string    `koanf:"station"`
	ConsumerGroup string    `koanf:"consumer_group"`
	Replay        bool      `koanf:"replay"`
	AckPolicy     AckPolicy `koanf:"ack_policy"` // deferred|immediate
	Workers       int       `koanf:"workers"`
	Partitions    []int     `koanf:"partitions"`

	BatchSize     int           `koanf:"batch_size"`
	BatchMaxWait  time.Duration `koanf:"batch_max_wait"`
	PullInterval  time.Duration `koanf:"pull_interval"`
	MaxAckTime    time.Duration `koanf:"max_ack_time"`
	MaxDeliveries int           `koanf:"max_msg_deliveries"`

	CommitMode   CommitMode      `koanf:"commit_mode"` // auto|e2e
	BackPressure BackPressureCfg `koanf:"backpressure"`
	Checkpoint   CheckpointCfg   `koanf:"checkpoint"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `MEMPHISFLOW_MEMPHIS__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("memphis schema_version %q not supported (want v1)", sv)
	}

	envKey := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}
	if err := k.Load(env.Provider(envPrefix, "__", envKey), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.validate()
}

func applyDefaults(c *Config) {
	if c.BackPressure.Capacity == 0 {
		c.BackPressure.Capacity = 30_000
	}
	if c.BackPressure.CheckInt == 0 {
		c.BackPressure.CheckInt = 100 * time.Millisecond
	}
	if c.Checkpoint.CommitInt == 0 {
		c.Checkpoint.CommitInt = 5 * time.Second
	}
	if c.CommitMode != CommitAuto && c.CommitMode != CommitE2E {
		c.CommitMode = CommitAuto
	}
	if c.AckPolicy == "" {
		c.AckPolicy = AckDeferred
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.BatchMaxWait == 0 {
		c.BatchMaxWait = 5 * time.Second
	}
	if c.PullInterval == 0 {
		c.PullInterval = 100 * time.Millisecond
	}
	if c.MaxAckTime == 0 {
		c.MaxAckTime = 30 * time.Second
	}
	if c.MaxDeliveries == 0 {
		c.MaxDeliveries = 10
	}
}

func (c Config) validate() error {
	switch {
	case c.Station == "":
		return errors.New("memphis source: station is required")
	case c.ConsumerGroup == "":
		return errors.New("memphis source: consumer_group is required")
	case c.AckPolicy != AckDeferred && c.AckPolicy != AckImmediate:
		return fmt.Errorf("memphis source: unknown ack_policy %q", c.AckPolicy)
	case c.BatchSize > client.MaxBatchSize:
		return fmt.Errorf("memphis source: batch_size %d above %d", c.BatchSize, client.MaxBatchSize)
	}
	return nil
}

// Input derives the per-worker builder for this configuration.
func (c Config) Input(sess *client.Session) Input {
	return Input{
		Session:       sess,
		Station:       c.Station,
		Group:         c.ConsumerGroup,
		Replay:        c.Replay,
		AckPolicy:     c.AckPolicy,
		Partitions:    c.Partitions,
		BatchSize:     c.BatchSize,
		BatchMaxWait:  c.BatchMaxWait,
		MaxAckTime:    c.MaxAckTime,
		MaxDeliveries: c.MaxDeliveries,
	}
}
