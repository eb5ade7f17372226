package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
account:
  password: secret
  sip_account: sip:1000@pbx.example.com
  server_url: udp://pbx.example.com:5060
sip:
  listen_port: 5070
  response_timeout: 3s
media:
  rtp_port_min: 20000
  rtp_port_max: 20100
  payload_types: [8]
  output_file: /tmp/call.pcm
phone:
  auto_answer: true
  external_number: "2000"
log:
  level: debug
  format: json
metrics:
  listen: 127.0.0.1:9100
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 5070, cfg.SIP.ListenPort)
	assert.Equal(t, "siphook/1.0", cfg.SIP.UserAgent, "default kept")
	assert.Equal(t, 3*time.Second, cfg.SIP.ResponseTimeout)
	assert.Equal(t, []uint8{8}, cfg.Media.PayloadTypes)
	assert.Equal(t, "speaker", cfg.Media.SinkHandle)
	assert.True(t, cfg.Phone.AutoAnswer)
	assert.Equal(t, "2000", cfg.Phone.ExternalNumber)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	creds := cfg.Credentials()
	assert.Equal(t, "1000", creds.AuthorizationUsername, "username derived from account")
	assert.Equal(t, "secret", creds.AuthorizationPassword)
	assert.Equal(t, "speaker", creds.MediaSinkHandle)

	ua := cfg.SIPUA(slog.Default())
	assert.Equal(t, 5070, ua.ListenPort)
	assert.Equal(t, 20000, ua.RTPPortMin)
	assert.Equal(t, []uint8{8}, ua.PayloadTypes)
	assert.Equal(t, 3*time.Second, ua.ResponseTimeout)
	assert.NoError(t, ua.Validate())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing account", yaml: "account:\n  server_url: udp://pbx\n"},
		{name: "bad server url", yaml: "account:\n  sip_account: sip:1@pbx\n  server_url: tls://pbx\n"},
		{name: "bad listen port", yaml: "account:\n  sip_account: sip:1@pbx\n  server_url: udp://pbx\nsip:\n  listen_port: 70000\n"},
		{name: "bad rtp range", yaml: "account:\n  sip_account: sip:1@pbx\n  server_url: udp://pbx\nmedia:\n  rtp_port_min: 100\n  rtp_port_max: 10\n"},
		{name: "bad log level", yaml: "account:\n  sip_account: sip:1@pbx\n  server_url: udp://pbx\nlog:\n  level: trace\n"},
		{name: "bad log format", yaml: "account:\n  sip_account: sip:1@pbx\n  server_url: udp://pbx\nlog:\n  format: xml\n"},
		{name: "malformed yaml", yaml: "account: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "siphook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sip:1000@pbx.example.com", cfg.Account.SIPAccount)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
