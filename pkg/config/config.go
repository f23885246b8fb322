// Package config loads emulator settings from flags, CLOUDEMU_* environment variables and an
// optional YAML file.
package config

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "CLOUDEMU"

	DefaultHost      = "0.0.0.0"
	DefaultPort      = 4566
	DefaultDataDir   = "./data"
	DefaultRegion    = "us-east-1"
	DefaultAccountID = "000000000000"
	DefaultAccessKey = "test"
	DefaultSecretKey = "test"
	DefaultLogLevel  = "info"

	MetadataFileName = "metadata.db"
	ObjectsDirName   = "objects"
)

// Keys shared by flags, environment variables and the config file.
const (
	KeyConfig             = "config"
	KeyHost               = "host"
	KeyPort               = "port"
	KeyDataDir            = "data-dir"
	KeyRegion             = "region"
	KeyAccountID          = "account-id"
	KeyValidateSignatures = "validate-signatures"
	KeyAccessKey          = "access-key"
	KeySecretKey          = "secret-key"
	KeyLogLevel           = "log-level"
	KeyLogJSON            = "log-json"
	KeyInMemory           = "in-memory"
	KeyOTLPEndpoint       = "otlp-endpoint"
	KeyMetrics            = "metrics"
)

var (
	accountIDPattern = regexp.MustCompile(`^[0-9]{12}$`)
	regionPattern    = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-[0-9]+$`)
)

// Config holds the resolved emulator settings.
type Config struct {
	Host               string
	Port               int
	DataDir            string
	Region             string
	AccountID          string
	ValidateSignatures bool
	AccessKey          string
	SecretKey          string
	LogLevel           string
	LogJSON            bool
	InMemory           bool
	OTLPEndpoint       string
	Metrics            bool
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Host:      DefaultHost,
		Port:      DefaultPort,
		DataDir:   DefaultDataDir,
		Region:    DefaultRegion,
		AccountID: DefaultAccountID,
		AccessKey: DefaultAccessKey,
		SecretKey: DefaultSecretKey,
		LogLevel:  DefaultLogLevel,
		Metrics:   true,
	}
}

// RegisterFlags declares every setting on flags.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String(KeyConfig, "", "path to a YAML config file")
	flags.String(KeyHost, d.Host, "bind address")
	flags.Int(KeyPort, d.Port, "listen port")
	flags.String(KeyDataDir, d.DataDir, "directory holding metadata.db and objects/")
	flags.String(KeyRegion, d.Region, "region reported in ARNs and responses")
	flags.String(KeyAccountID, d.AccountID, "12-digit account id reported in ARNs")
	flags.Bool(KeyValidateSignatures, false, "verify SigV4 request signatures")
	flags.String(KeyAccessKey, d.AccessKey, "access key accepted when signatures are verified")
	flags.String(KeySecretKey, d.SecretKey, "secret key used when signatures are verified")
	flags.String(KeyLogLevel, d.LogLevel, "log level (debug, info, warn, error)")
	flags.Bool(KeyLogJSON, false, "emit JSON log lines instead of console output")
	flags.Bool(KeyInMemory, false, "keep metadata in memory and blobs in a temporary directory")
	flags.String(KeyOTLPEndpoint, "", "OTLP/HTTP trace collector URL (empty disables tracing)")
	flags.Bool(KeyMetrics, d.Metrics, "expose Prometheus metrics on /metrics")
}

// NewViper returns a viper instance bound to flags and CLOUDEMU_* environment variables.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault(KeyHost, d.Host)
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyDataDir, d.DataDir)
	v.SetDefault(KeyRegion, d.Region)
	v.SetDefault(KeyAccountID, d.AccountID)
	v.SetDefault(KeyAccessKey, d.AccessKey)
	v.SetDefault(KeySecretKey, d.SecretKey)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyMetrics, d.Metrics)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	return v, nil
}

// Load resolves a Config from v, reading the config file first when one is named.
func Load(v *viper.Viper) (*Config, error) {
	if path := strings.TrimSpace(v.GetString(KeyConfig)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := &Config{
		Host:               v.GetString(KeyHost),
		Port:               v.GetInt(KeyPort),
		DataDir:            v.GetString(KeyDataDir),
		Region:             v.GetString(KeyRegion),
		AccountID:          v.GetString(KeyAccountID),
		ValidateSignatures: v.GetBool(KeyValidateSignatures),
		AccessKey:          v.GetString(KeyAccessKey),
		SecretKey:          v.GetString(KeySecretKey),
		LogLevel:           v.GetString(KeyLogLevel),
		LogJSON:            v.GetBool(KeyLogJSON),
		InMemory:           v.GetBool(KeyInMemory),
		OTLPEndpoint:       v.GetString(KeyOTLPEndpoint),
		Metrics:            v.GetBool(KeyMetrics),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings are usable.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if !regionPattern.MatchString(c.Region) {
		return fmt.Errorf("invalid region %q", c.Region)
	}
	if !accountIDPattern.MatchString(c.AccountID) {
		return fmt.Errorf("account id must be 12 digits, got %q", c.AccountID)
	}
	if !c.InMemory && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data dir is required unless running in memory")
	}
	if c.ValidateSignatures && (c.AccessKey == "" || c.SecretKey == "") {
		return fmt.Errorf("access key and secret key are required when validating signatures")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MetadataPath returns the SQLite database location.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.DataDir, MetadataFileName)
}

// ObjectsDir returns the blob store root.
func (c *Config) ObjectsDir() string {
	return filepath.Join(c.DataDir, ObjectsDirName)
}
