// Package spec is the pipeline file schema.
package spec

// KafkaSink serves both the "kafka" (sarama) and "kafka-franz" sinks.
type KafkaSink struct {
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	RequiredAcks int16    `yaml:"required_acks"` // 0,1,-1
	ClientID     string   `yaml:"client_id"`
}

// MemphisSink points at a koanf-loaded file, like the source does.
type MemphisSink struct {
	Config string `yaml:"config"`
}

type sinkConfigs struct {
	Kafka   KafkaSink   `yaml:"kafka"`
	Memphis MemphisSink `yaml:"memphis"`
}

type debugSection struct {
	PerFrameDelayMS int  `yaml:"per_frame_delay_ms"`
	PrintCounter    bool `yaml:"print_counter"`
	AckBatchSize    int  `yaml:"ack_batch_size"`
	AckFlushMS      int  `yaml:"ack_flush_ms"`
	PrintValue      bool `yaml:"print_value"`
	ValueMaxBytes   int  `yaml:"value_max_bytes"`
}

type CheckpointSection struct {
	Store string `yaml:"store"` // memory|file|postgres
	Path  string `yaml:"path"`
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	Source struct {
		Kind   string `yaml:"kind"`
		Driver string `yaml:"driver"`
		Config string `yaml:"config"`
	} `yaml:"source"`

	// Where the source's resume tokens live between runs.
	Checkpoint CheckpointSection `yaml:"checkpoint"`

	Sinks       []string     `yaml:"sinks"`
	SinkConfigs sinkConfigs  `yaml:"sink_configs"`
	Debug       debugSection `yaml:"debug"`
}
