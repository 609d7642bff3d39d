package rest

import "time"

// SectionName is the config section the bridge registers its settings under.
const SectionName = "rest"

// Config holds the REST bridge settings.
type Config struct {
	// BasePath prefixes every service route, e.g. "/api".
	BasePath string `yaml:"base_path" default:"/" desc:"Path prefix for all service routes" env:"PLUME_REST_BASE_PATH"`
	// BodyLimit caps request body size in bytes.
	BodyLimit int64 `yaml:"body_limit" default:"1048576" desc:"Maximum request body size in bytes" env:"PLUME_REST_BODY_LIMIT"`
	// RequestTimeout bounds a single dispatch; zero disables the bound.
	RequestTimeout time.Duration `yaml:"request_timeout" default:"30s" desc:"Per-request dispatch timeout" env:"PLUME_REST_REQUEST_TIMEOUT"`
	// AllowedOrigins enables CORS for the listed origins; "*" allows any.
	// Empty disables CORS handling entirely.
	AllowedOrigins []string `yaml:"allowed_origins" desc:"CORS origin allow-list, empty disables CORS" env:"PLUME_REST_ALLOWED_ORIGINS"`
}
