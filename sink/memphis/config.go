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

const envPrefix = "MEMPHISFLOW_MEMPHIS_SINK__"

// Config is the station sink as read from its YAML file and the
// environment.
type Config struct {
	Connection client.Config `koanf:"connection"`

	Station  string        `koanf:"station"`
	Producer string        `koanf:"producer"`
	Async    bool          `koanf:"async"`
	AckWait  time.Duration `koanf:"ack_wait"`
	Timeout  time.Duration `koanf:"produce_timeout"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `MEMPHISFLOW_MEMPHIS_SINK__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	if sv := k.String("schema_version"); sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("memphis sink schema_version %q not supported (want v1)", sv)
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
	if cfg.Producer == "" {
		cfg.Producer = "memphisflow"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Station == "" {
		return cfg, errors.New("memphis sink: station is required")
	}
	return cfg, nil
}
