package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_core/pkg/events"
)

const sampleYAML = `
platform: desktop
log_level: debug
sip:
  sip_server: pbx.example.com:5070
  username: "1001"
  password: secret
  transport: tcp
  display_name: Alice
sipua:
  listen_addr: 0.0.0.0:5080
  expires: 600
  dtmf_mode: info
mock:
  register_delay: 50ms
debounce:
  audio_route: 100ms
scenario:
  dial: "1002"
  hold: 2s
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "desktop", cfg.Platform)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "pbx.example.com:5070", cfg.SIP.SIPServer)
	assert.Equal(t, "1001", cfg.SIP.Username)
	assert.Equal(t, "secret", cfg.SIP.Password)
	assert.Equal(t, "tcp", cfg.SIP.Transport)
	assert.Equal(t, "Alice", cfg.SIP.DisplayName)

	assert.Equal(t, "0.0.0.0:5080", cfg.SIPUA.ListenAddr)
	assert.Equal(t, uint32(600), cfg.SIPUA.Expires)
	assert.Equal(t, "info", cfg.SIPUA.DTMFMode)
	// значения по умолчанию сохраняются для неуказанных полей
	assert.Equal(t, 10000, cfg.SIPUA.RTPPort)
	assert.Equal(t, 10*time.Second, cfg.SIPUA.RequestTimeout)

	assert.Equal(t, 50*time.Millisecond, cfg.Mock.RegisterDelay)
	assert.Equal(t, "1002", cfg.Scenario.Dial)
	assert.Equal(t, 2*time.Second, cfg.Scenario.Hold)
	assert.True(t, cfg.Scenario.Register)

	windows := cfg.DebounceWindows()
	assert.Equal(t, 100*time.Millisecond, windows[events.KindAudioRoute])
	assert.Equal(t, 750*time.Millisecond, windows[events.KindConnectivity])
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown top level field", "sipserver: pbx\n"},
		{"unknown nested field", "sip:\n  server: pbx\n"},
		{"bad transport", "sip:\n  transport: sctp\n"},
		{"bad platform", "platform: symbian\n"},
		{"bad rtp port", "sipua:\n  rtp_port: 70000\n"},
		{"bad dtmf mode", "sipua:\n  dtmf_mode: inband\n"},
		{"wrong type", "http:\n  enabled: \"yes\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("sip: [unclosed"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.SIP.Username = "from-file"

	env := map[string]string{
		EnvSIPServer:   " sip.env.example ",
		EnvPassword:    " spaced secret ",
		EnvTransport:   "udp",
		EnvDisplayName: "Env User",
		EnvPlatform:    "mock",
		EnvLogLevel:    "warn",
	}
	cfg.ApplyEnv(func(key string) string { return env[key] })

	assert.Equal(t, "sip.env.example", cfg.SIP.SIPServer)
	assert.Equal(t, "from-file", cfg.SIP.Username, "empty variable keeps file value")
	assert.Equal(t, " spaced secret ", cfg.SIP.Password)
	assert.Equal(t, "udp", cfg.SIP.Transport)
	assert.Equal(t, "Env User", cfg.SIP.DisplayName)
	assert.Equal(t, "mock", cfg.Platform)
	assert.Equal(t, "warn", cfg.LogLevel)

	// nil getenv допустим
	cfg.ApplyEnv(nil)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voip.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv(EnvUsername, "2002")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2002", cfg.SIP.Username)
	assert.Equal(t, "pbx.example.com:5070", cfg.SIP.SIPServer)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDebounceDisabled(t *testing.T) {
	cfg := Default()
	cfg.Debounce.Disabled = true
	assert.Empty(t, cfg.DebounceWindows())
}
