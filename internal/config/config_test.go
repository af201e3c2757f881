package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRC(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), RCFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestResolveDefaults(t *testing.T) {
	v := New()
	v.Set(KeySecret, "from-option")

	opts, err := Resolve(v, filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)

	assert.Equal(t, "from-option", opts.Secret)
	assert.Equal(t, 115200, opts.BaudRate)
	assert.Equal(t, "localhost", opts.SocketAddress)
	assert.Equal(t, 8000, opts.SocketPort)
	assert.Equal(t, "Grbl", opts.ControllerType)
	assert.Equal(t, "30d", opts.AccessTokenLifetime)
	assert.Equal(t, "", opts.Port)
	assert.False(t, opts.List)
	assert.Equal(t, 30*time.Second, opts.Timeout)
}

func TestResolveSecretOrder(t *testing.T) {
	rc := writeRC(t, `{"secret": "from-rc", "mountPoints": []}`)

	t.Run("option wins over env and rc", func(t *testing.T) {
		t.Setenv("CNCJS_SECRET", "from-env")
		v := New()
		v.Set(KeySecret, "from-option")

		opts, err := Resolve(v, rc)
		require.NoError(t, err)
		assert.Equal(t, "from-option", opts.Secret)
	})

	t.Run("env wins over rc", func(t *testing.T) {
		t.Setenv("CNCJS_SECRET", "from-env")

		opts, err := Resolve(New(), rc)
		require.NoError(t, err)
		assert.Equal(t, "from-env", opts.Secret)
	})

	t.Run("rc file fallback", func(t *testing.T) {
		t.Setenv("CNCJS_SECRET", "")

		opts, err := Resolve(New(), rc)
		require.NoError(t, err)
		assert.Equal(t, "from-rc", opts.Secret)
	})
}

func TestResolveEnvOptions(t *testing.T) {
	t.Setenv("CNCJS_SECRET", "s")
	t.Setenv("CNCJS_SOCKET_ADDRESS", "cnc.local")
	t.Setenv("CNCJS_SOCKET_PORT", "8080")
	t.Setenv("CNCJS_TIMEOUT", "5s")

	opts, err := Resolve(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "cnc.local", opts.SocketAddress)
	assert.Equal(t, 8080, opts.SocketPort)
	assert.Equal(t, 5*time.Second, opts.Timeout)
}

func TestResolveConfigErrors(t *testing.T) {
	t.Setenv("CNCJS_SECRET", "")

	tests := []struct {
		name    string
		rc      func(t *testing.T) string
		wantMsg string
	}{
		{
			name:    "missing rc file",
			rc:      func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") },
			wantMsg: "does not exist",
		},
		{
			name:    "malformed rc file",
			rc:      func(t *testing.T) string { return writeRC(t, `{"secret": `) },
			wantMsg: "failed to read",
		},
		{
			name:    "rc file without secret",
			rc:      func(t *testing.T) string { return writeRC(t, `{"state": {}}`) },
			wantMsg: "no secret field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := Resolve(New(), tt.rc(t))
			require.Error(t, err)
			assert.Nil(t, opts)

			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() Options {
		return Options{
			Secret:              "s",
			BaudRate:            115200,
			SocketAddress:       "localhost",
			SocketPort:          8000,
			ControllerType:      "Grbl",
			AccessTokenLifetime: "30d",
		}
	}

	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{name: "zero baud rate", mutate: func(o *Options) { o.BaudRate = 0 }},
		{name: "socket port too large", mutate: func(o *Options) { o.SocketPort = 70000 }},
		{name: "empty address", mutate: func(o *Options) { o.SocketAddress = "" }},
		{name: "empty controller type", mutate: func(o *Options) { o.ControllerType = "" }},
		{name: "negative timeout", mutate: func(o *Options) { o.Timeout = -time.Second }},
	}

	o := valid()
	require.NoError(t, o.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid()
			tt.mutate(&o)
			var ce *ConfigError
			assert.ErrorAs(t, o.Validate(), &ce)
		})
	}
}

func TestRedacted(t *testing.T) {
	o := Options{Secret: "hunter2", Port: "/dev/ttyUSB0"}
	r := o.Redacted()
	assert.NotContains(t, r.Secret, "hunter2")
	assert.Equal(t, "/dev/ttyUSB0", r.Port)
	assert.Equal(t, "hunter2", o.Secret)
}
