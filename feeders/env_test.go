package feeders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverEnvConfig struct {
	Host    string        `env:"HOST"`
	Port    int           `env:"PORT"`
	Debug   bool          `env:"DEBUG"`
	Timeout time.Duration `env:"TIMEOUT"`
	Ignored string
	Nested  nestedEnvConfig
}

type nestedEnvConfig struct {
	Token string `env:"TOKEN"`
}

func TestEnvFeederFeedsTaggedFields(t *testing.T) {
	t.Setenv("HOST", "example.test")
	t.Setenv("PORT", "9090")
	t.Setenv("DEBUG", "true")
	t.Setenv("TIMEOUT", "1m30s")
	t.Setenv("TOKEN", "secret")

	cfg := &serverEnvConfig{Ignored: "untouched"}
	require.NoError(t, NewEnvFeeder().Feed(cfg))

	assert.Equal(t, "example.test", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, "secret", cfg.Nested.Token)
	assert.Equal(t, "untouched", cfg.Ignored)
}

func TestEnvFeederLeavesUnsetFieldsAlone(t *testing.T) {
	t.Setenv("HOST", "")

	cfg := &serverEnvConfig{Host: "keep-me", Port: 3000}
	require.NoError(t, NewEnvFeeder().Feed(cfg))

	assert.Equal(t, "keep-me", cfg.Host)
	assert.Equal(t, 3000, cfg.Port)
}

func TestEnvFeederRejectsNonStructPointers(t *testing.T) {
	assert.ErrorIs(t, NewEnvFeeder().Feed(serverEnvConfig{}), ErrEnvInvalidStructure)
	assert.ErrorIs(t, NewEnvFeeder().Feed(nil), ErrEnvInvalidStructure)

	n := 3
	assert.ErrorIs(t, NewEnvFeeder().Feed(&n), ErrEnvInvalidStructure)
}

func TestEnvFeederReportsConversionErrors(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	err := NewEnvFeeder().Feed(&serverEnvConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvCannotConvert)
	assert.Contains(t, err.Error(), "PORT")
}

func TestEnvFeederFeedKeyIgnoresKey(t *testing.T) {
	t.Setenv("HOST", "keyed.test")

	cfg := &serverEnvConfig{}
	require.NoError(t, NewEnvFeeder().FeedKey("whatever", cfg))
	assert.Equal(t, "keyed.test", cfg.Host)
}

func TestAffixedEnvFeeder(t *testing.T) {
	t.Setenv("MYAPP_HOST_PROD", "affixed.test")
	t.Setenv("MYAPP_PORT_PROD", "8443")

	cfg := &serverEnvConfig{}
	require.NoError(t, NewAffixedEnvFeeder("myapp", "prod").Feed(cfg))

	assert.Equal(t, "affixed.test", cfg.Host)
	assert.Equal(t, 8443, cfg.Port)
}

func TestAffixedEnvFeederPrefixOnly(t *testing.T) {
	t.Setenv("SVC_HOST", "prefix-only.test")

	cfg := &serverEnvConfig{}
	require.NoError(t, NewAffixedEnvFeeder("svc", "").Feed(cfg))
	assert.Equal(t, "prefix-only.test", cfg.Host)
}
