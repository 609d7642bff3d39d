package sync

// SectionName is the config section the coordinator registers its settings
// under.
const SectionName = "sync"

// Config holds the sync coordinator settings. It is only consulted when no
// engine was supplied programmatically.
type Config struct {
	// Engine picks the transport: memory, redis or nats.
	Engine string `yaml:"engine" default:"memory" desc:"Sync transport (memory, redis, nats)" env:"PLUME_SYNC_ENGINE"`
	// RedisAddr is the redis host:port for the redis engine.
	RedisAddr string `yaml:"redis_addr" default:"127.0.0.1:6379" desc:"Redis address for the redis engine" env:"PLUME_SYNC_REDIS_ADDR"`
	// RedisChannel is the pub/sub channel envelopes travel on.
	RedisChannel string `yaml:"redis_channel" default:"plume:sync" desc:"Redis pub/sub channel" env:"PLUME_SYNC_REDIS_CHANNEL"`
	// NATSURL is the server URL for the nats engine.
	NATSURL string `yaml:"nats_url" default:"nats://127.0.0.1:4222" desc:"NATS server URL for the nats engine" env:"PLUME_SYNC_NATS_URL"`
	// NATSSubject is the subject envelopes travel on.
	NATSSubject string `yaml:"nats_subject" default:"plume.sync" desc:"NATS subject" env:"PLUME_SYNC_NATS_SUBJECT"`
}
