package socket

import "time"

// SectionName is the config section the bridge registers its settings under.
const SectionName = "socket"

// Config holds the websocket bridge settings.
type Config struct {
	// Path is where the websocket endpoint is mounted.
	Path string `yaml:"path" default:"/ws" desc:"HTTP path of the websocket endpoint" env:"PLUME_SOCKET_PATH"`
	// AllowedOrigins restricts which origins may open a connection; "*"
	// allows any. Empty falls back to the same-host check.
	AllowedOrigins []string `yaml:"allowed_origins" desc:"Origin allow-list for the websocket handshake" env:"PLUME_SOCKET_ALLOWED_ORIGINS"`
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64 `yaml:"read_limit" default:"1048576" desc:"Maximum inbound frame size in bytes" env:"PLUME_SOCKET_READ_LIMIT"`
	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s" desc:"Per-frame write deadline" env:"PLUME_SOCKET_WRITE_TIMEOUT"`
	// PingInterval is the keepalive ping cadence. It must be shorter than
	// PongWait or idle connections get dropped.
	PingInterval time.Duration `yaml:"ping_interval" default:"25s" desc:"Keepalive ping cadence" env:"PLUME_SOCKET_PING_INTERVAL"`
	// PongWait is the read deadline, renewed by every pong.
	PongWait time.Duration `yaml:"pong_wait" default:"60s" desc:"Read deadline renewed by each pong" env:"PLUME_SOCKET_PONG_WAIT"`
	// CallTimeout bounds how long a dispatched call may run before the
	// bridge fails it; zero disables the bound.
	CallTimeout time.Duration `yaml:"call_timeout" default:"30s" desc:"Per-call dispatch timeout" env:"PLUME_SOCKET_CALL_TIMEOUT"`
	// SendBuffer is the per-connection outbound frame buffer. Connections
	// that cannot drain it are dropped.
	SendBuffer int `yaml:"send_buffer" default:"64" desc:"Outbound frame buffer per connection" env:"PLUME_SOCKET_SEND_BUFFER"`
}
