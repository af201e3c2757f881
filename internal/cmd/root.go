package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cncpendant/cncjs-pendant/internal/config"
	"github.com/cncpendant/cncjs-pendant/internal/logger"
)

var (
	cfgFile   string
	debug     bool
	logFormat string

	v   = config.New()
	log logger.Logger
)

// Debug logs a formatted message if debug mode is enabled
func Debug(format string, args ...interface{}) {
	if debug {
		logger.Debug(fmt.Sprintf(format, args...))
	}
}

var rootCmd = &cobra.Command{
	Use:   "cncjs-pendant",
	Short: "Attach a pendant to a CNCjs server",
	Long: `cncjs-pendant connects to a CNCjs server, opens a serial port on it and
relays the port's traffic until interrupted.

The access token is signed with the CNCjs secret, taken from --secret,
the CNCJS_SECRET environment variable or the "secret" field of ~/.cncrc.

Open a port and relay its traffic:
  cncjs-pendant --port /dev/ttyUSB0
  cncjs-pendant -p /dev/ttyACM0 -b 250000 --controller-type Marlin

List the server's serial ports:
  cncjs-pendant list

Print an access token:
  cncjs-pendant token`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE:              runBridge,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Persistent flags (available to all subcommands)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "CNCjs rc file holding the secret (default is ~/.cncrc)")
	pf.BoolVar(&debug, "debug", false, "enable debug logging")
	pf.StringVar(&logFormat, "log-format", "", "log format: console or json (default: console on a terminal)")

	pf.StringP(config.KeySecret, "s", "", "the secret key stored in the ~/.cncrc file")
	pf.StringP(config.KeyPort, "p", "", "path or name of the serial port")
	pf.IntP(config.KeyBaudRate, "b", 115200, "baud rate of the serial port")
	pf.String(config.KeySocketAddress, "localhost", "socket address or hostname of the CNCjs server")
	pf.Int(config.KeySocketPort, 8000, "socket port of the CNCjs server")
	pf.String(config.KeyControllerType, "Grbl", "controller type: Grbl, Marlin, Smoothie, TinyG or g2core")
	pf.String(config.KeyAccessTokenLifetime, "30d", "access token lifetime in milliseconds or a time span string such as 30d")
	pf.BoolP(config.KeyList, "l", false, "list the server's serial ports once connected")
	pf.Duration(config.KeyTimeout, config.DefaultTimeout, "maximum wait for the serial port to open (0 waits forever)")
}

// setup binds flags to the option store and builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	l, err := newLogger(cmd.ErrOrStderr(), logFormat, debug, term.IsTerminal(int(os.Stderr.Fd())))
	if err != nil {
		return err
	}
	log = l
	logger.SetDefault(l)

	return nil
}

func newLogger(out io.Writer, format string, debug, tty bool) (logger.Logger, error) {
	var f logger.Format
	switch format {
	case "":
		f = logger.JSONFormat
		if tty {
			f = logger.ConsoleFormat
		}
	case string(logger.ConsoleFormat), string(logger.JSONFormat):
		f = logger.Format(format)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	level := logger.InfoLevel
	if debug {
		level = logger.DebugLevel
	}

	return logger.New(logger.Options{Level: level, Format: f, Output: out}), nil
}
