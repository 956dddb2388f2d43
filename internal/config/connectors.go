package config

import (
	sinkmemphis "memphisflow/sink/memphis"
	srcmemphis "memphisflow/source/memphis"
)

// LoadMemphisConfig delegates to the station source loader while
// centralizing loader entrypoints under internal/config.
func LoadMemphisConfig(path string) (srcmemphis.Config, error) {
	return srcmemphis.LoadConfig(path)
}

func LoadMemphisSinkConfig(path string) (sinkmemphis.Config, error) {
	return sinkmemphis.LoadConfig(path)
}
