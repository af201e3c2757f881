package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Option keys. They double as CLI flag names.
const (
	KeySecret              = "secret"
	KeyBaudRate            = "baudrate"
	KeySocketAddress       = "socket-address"
	KeySocketPort          = "socket-port"
	KeyControllerType      = "controller-type"
	KeyAccessTokenLifetime = "access-token-lifetime"
	KeyPort                = "port"
	KeyList                = "list"
	KeyTimeout             = "timeout"
)

// EnvPrefix is prepended to every option when read from the environment,
// e.g. CNCJS_SECRET or CNCJS_SOCKET_PORT.
const EnvPrefix = "CNCJS"

// DefaultTimeout bounds the wait for the serial port to open.
const DefaultTimeout = 30 * time.Second

// RCFileName is the CNCjs server configuration file in the user's home
// directory. Only its "secret" field is read.
const RCFileName = ".cncrc"

// Options represents the resolved pendant configuration.
type Options struct {
	Secret              string        `mapstructure:"secret"`
	BaudRate            int           `mapstructure:"baudrate"`
	SocketAddress       string        `mapstructure:"socket-address"`
	SocketPort          int           `mapstructure:"socket-port"`
	ControllerType      string        `mapstructure:"controller-type"`
	AccessTokenLifetime string        `mapstructure:"access-token-lifetime"`
	Port                string        `mapstructure:"port"`
	List                bool          `mapstructure:"list"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// ConfigError reports a configuration that cannot start a session.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Reason, e.Err)
	}
	return "config error: " + e.Reason
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// New returns a viper instance with defaults and environment binding set up.
// Callers bind their flags to it before calling Resolve.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

// setDefaults sets default option values
func setDefaults(v *viper.Viper) {
	v.SetDefault(KeySecret, "")
	v.SetDefault(KeyBaudRate, 115200)
	v.SetDefault(KeySocketAddress, "localhost")
	v.SetDefault(KeySocketPort, 8000)
	v.SetDefault(KeyControllerType, "Grbl")
	v.SetDefault(KeyAccessTokenLifetime, "30d")
	v.SetDefault(KeyPort, "")
	v.SetDefault(KeyList, false)
	v.SetDefault(KeyTimeout, DefaultTimeout)
}

// Resolve builds Options from v. When no secret was given as an option or
// through the environment it is read from the rc file at rcPath; an empty
// rcPath means ~/.cncrc.
func Resolve(v *viper.Viper, rcPath string) (*Options, error) {
	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, &ConfigError{Reason: "failed to decode options", Err: err}
	}

	if opts.Secret == "" {
		secret, err := ReadSecret(rcPath)
		if err != nil {
			return nil, err
		}
		opts.Secret = secret
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &opts, nil
}

// ReadSecret reads the "secret" field of the JSON rc file at path.
func ReadSecret(path string) (string, error) {
	if path == "" {
		var err error
		path, err = RCPath()
		if err != nil {
			return "", &ConfigError{Reason: "failed to get home directory", Err: err}
		}
	}

	path, err := homedir.Expand(path)
	if err != nil {
		return "", &ConfigError{Reason: "failed to expand rc file path", Err: err}
	}

	rc := viper.New()
	rc.SetConfigFile(path)
	rc.SetConfigType("json")
	if err := rc.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", &ConfigError{Reason: fmt.Sprintf("no secret given and %s does not exist", path), Err: err}
		}
		return "", &ConfigError{Reason: fmt.Sprintf("failed to read %s", path), Err: err}
	}

	secret := rc.GetString(KeySecret)
	if secret == "" {
		return "", &ConfigError{Reason: fmt.Sprintf("no secret given and %s has no secret field", path)}
	}

	return secret, nil
}

// RCPath returns the default rc file location.
func RCPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, RCFileName), nil
}

// Validate checks option ranges.
func (o *Options) Validate() error {
	switch {
	case o.Secret == "":
		return &ConfigError{Reason: "secret is required"}
	case o.BaudRate <= 0:
		return &ConfigError{Reason: fmt.Sprintf("invalid baud rate %d", o.BaudRate)}
	case o.SocketAddress == "":
		return &ConfigError{Reason: "socket address is required"}
	case o.SocketPort <= 0 || o.SocketPort > 65535:
		return &ConfigError{Reason: fmt.Sprintf("invalid socket port %d", o.SocketPort)}
	case o.ControllerType == "":
		return &ConfigError{Reason: "controller type is required"}
	case o.AccessTokenLifetime == "":
		return &ConfigError{Reason: "access token lifetime is required"}
	case o.Timeout < 0:
		return &ConfigError{Reason: fmt.Sprintf("invalid timeout %s", o.Timeout)}
	}
	return nil
}

// Redacted returns a copy safe to log.
func (o Options) Redacted() Options {
	if o.Secret != "" {
		o.Secret = "********"
	}
	return o
}
