// Package kafka forwards frames to a Kafka topic. Two clients are
// registered: "kafka" (sarama) and "kafka-franz" (franz-go).
package kafka

import (
	"fmt"
	"sort"

	"memphisflow/frame"
)

type Config struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	Acks     int16    `yaml:"required_acks"` // 0,1,-1
	ClientID string   `yaml:"client_id"`
}

func (c Config) validate() error {
	switch {
	case len(c.Brokers) == 0:
		return fmt.Errorf("kafka-sink: brokers required")
	case c.Topic == "":
		return fmt.Errorf("kafka-sink: topic required")
	case c.Acks < -1 || c.Acks > 1:
		return fmt.Errorf("kafka-sink: required_acks must be -1, 0 or 1 (got %d)", c.Acks)
	}
	return nil
}

// header is one frame header in a stable order.
type header struct {
	key   string
	value []byte
}

func sortedHeaders(f *frame.Frame) []header {
	out := make([]header, 0, len(f.Headers))
	for k, v := range f.Headers {
		out = append(out, header{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
