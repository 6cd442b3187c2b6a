package config

import "github.com/spf13/pflag"

// Global command-line flag definitions.
var (
	ConfigDirFlag = pflag.String("config-dir", DefaultConfigDir, "Directory holding the settings file and the bridge configuration")
	TestFlag      = pflag.Bool("test", false, "Only check the connection of an existing bridge")
	LogLevelFlag  = pflag.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR); overrides LOGGING_LEVEL")
)

const (
	AppName = "edgeconnect"

	DefaultConfigDir    = "/etc/edgeconnect"
	SettingsFileName    = "edgeconnect.yaml"
	BridgeConfDirName   = "mosquitto-conf"
	DefaultRootCertPath = "/etc/ssl/certs"
)
