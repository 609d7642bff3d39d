package metrics

import "time"

// SectionName is the config section the module registers its settings under.
const SectionName = "metrics"

// Config holds the metrics settings.
type Config struct {
	// Path is where the prometheus endpoint is mounted.
	Path string `yaml:"path" default:"/metrics" desc:"HTTP path of the prometheus endpoint" env:"PLUME_METRICS_PATH"`
	// StatsdAddr is the DogStatsD host:port; empty disables the exporter.
	StatsdAddr string `yaml:"statsd_addr" desc:"DogStatsD address; empty disables the exporter" env:"PLUME_METRICS_STATSD_ADDR"`
	// FlushInterval is how often counters are flushed to DogStatsD.
	FlushInterval time.Duration `yaml:"flush_interval" default:"10s" desc:"DogStatsD flush cadence" env:"PLUME_METRICS_FLUSH_INTERVAL"`
}
