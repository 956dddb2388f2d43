package memphis

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MaxBatchSize is the hard ceiling on Consumer fetch batches.
	MaxBatchSize = 5000

	maxReconnectCap       = 9
	defaultPort           = 6666
	defaultControlTimeout = 5 * time.Second
)

// Config describes one broker connection.
type Config struct {
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	Username        string `koanf:"username"`
	AccountID       int    `koanf:"account_id"`
	ConnectionToken string `koanf:"connection_token"`
	Password        string `koanf:"password"`

	NoReconnect       bool          `koanf:"no_reconnect"`
	MaxReconnect      int           `koanf:"max_reconnect"`
	ReconnectInterval time.Duration `koanf:"reconnect_interval"`
	Timeout           time.Duration `koanf:"timeout"`

	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	CAFile   string `koanf:"ca_file"`
}

// Normalize fills defaults and strips an http(s) scheme from Host.
func (c *Config) Normalize() {
	c.Host = strings.TrimPrefix(strings.TrimPrefix(c.Host, "http://"), "https://")
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.AccountID == 0 {
		c.AccountID = 1
	}
	if c.MaxReconnect == 0 {
		c.MaxReconnect = 10
	}
	if c.MaxReconnect > maxReconnectCap {
		c.MaxReconnect = maxReconnectCap
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 1500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return newError(KindConnection, "connect", "host is required")
	}
	if c.Username == "" {
		return newError(KindConnection, "connect", "username is required")
	}
	if (c.ConnectionToken == "") == (c.Password == "") {
		return newError(KindConnection, "connect", "you have to connect with one of the following methods: connection token / password")
	}
	if c.CertFile != "" || c.KeyFile != "" || c.CAFile != "" {
		switch {
		case c.CertFile == "":
			return newError(KindConnection, "connect", "must provide a TLS cert file")
		case c.KeyFile == "":
			return newError(KindConnection, "connect", "must provide a TLS key file")
		case c.CAFile == "":
			return newError(KindConnection, "connect", "must provide a TLS ca file")
		}
	}
	return nil
}

func (c *Config) url() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
