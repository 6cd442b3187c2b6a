package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/farouk15160/edgeconnect/internal/bridge"
	"github.com/farouk15160/edgeconnect/internal/cloud"
	"github.com/farouk15160/edgeconnect/internal/config"
	"github.com/farouk15160/edgeconnect/internal/connect"
	"github.com/farouk15160/edgeconnect/internal/logger"
	"github.com/farouk15160/edgeconnect/internal/mqtt"
	"github.com/farouk15160/edgeconnect/internal/service"
)

const usage = `Usage: %s [flags] <command>

Commands:
  connect <c8y|az>       Create the bridge to a cloud (--test only checks it)
  config get <key>       Print a setting
  config set <key> <v>   Store a setting
  config unset <key>     Remove a setting
  config list            Print every setting

Flags:
`

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, config.AppName)
		pflag.PrintDefaults()
	}
	pflag.Parse()
	logger.Initialize(*config.LogLevelFlag)
	defer func() { _ = zap.L().Sync() }()

	ctx, stop := signalContext()
	defer stop()

	err := run(ctx, *config.ConfigDirFlag, pflag.Args())
	if err != nil {
		zap.S().Errorf("%v", err)
	}
	os.Exit(exitCode(err))
}

// signalContext is cancelled when the process receives CTRL+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitCode maps an error to the process exit status. Manual action keeps the
// written configuration, so it is told apart from outright failures.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, connect.ErrManualActionRequired):
		return 2
	default:
		return 1
	}
}

func run(ctx context.Context, configDir string, args []string) error {
	if len(args) == 0 {
		pflag.Usage()
		return errors.New("missing command")
	}

	settings, err := config.LoadConfig(filepath.Join(configDir, config.SettingsFileName))
	if err != nil {
		return err
	}

	switch args[0] {
	case "connect":
		if len(args) != 2 {
			return errors.New("usage: connect <c8y|az>")
		}
		return runConnect(ctx, configDir, settings, args[1], *config.TestFlag)
	case "config":
		return runConfig(settings, args[1:], os.Stdout)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func runConnect(ctx context.Context, configDir string, settings *config.Store, cloudName string, testOnly bool) error {
	profile, err := cloud.New(cloudName)
	if err != nil {
		return err
	}

	host, err := settings.Get(config.MQTTBindAddressKey)
	if err != nil {
		return err
	}
	port, err := config.GetPort(settings, config.MQTTPortKey)
	if err != nil {
		return err
	}

	cmd := connect.New(
		profile,
		settings,
		bridge.NewWriter(filepath.Join(configDir, config.BridgeConfDirName)),
		service.NewSystemd(),
		mqtt.NewProber(host, port),
	)
	if testOnly {
		return cmd.CheckConnection(ctx)
	}
	return cmd.Execute(ctx)
}

func runConfig(settings *config.Store, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: config <get|set|unset|list>")
	}
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return errors.New("usage: config get <key>")
		}
		v, err := settings.Get(config.Key(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
		return nil
	case "set":
		if len(args) != 3 {
			return errors.New("usage: config set <key> <value>")
		}
		if err := settings.Set(config.Key(args[1]), args[2]); err != nil {
			return err
		}
		return settings.Save()
	case "unset":
		if len(args) != 2 {
			return errors.New("usage: config unset <key>")
		}
		if err := settings.Unset(config.Key(args[1])); err != nil {
			return err
		}
		return settings.Save()
	case "list":
		for _, key := range config.Keys() {
			v, err := settings.Get(key)
			if errors.Is(err, config.ErrSettingNotConfigured) {
				continue
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s=%s\n", key, strings.TrimSpace(v))
		}
		return nil
	default:
		return fmt.Errorf("unknown config command: %s", args[0])
	}
}
