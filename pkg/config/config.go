// Package config loads the process-level configuration: where the
// descriptor registry lives, how to reach (or spawn) the catalog
// server, the sync engine's batching knobs, and the SFTP server's
// listen surface. Descriptors for individual repositories and datasets
// are pkg/registry's job; this package covers everything that is about
// the process rather than about one repo.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/catalog"
	"github.com/featherbutt/dolt-annex/pkg/retry"
)

// Configuration is the complete process configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Sync       SyncConfig       `yaml:"sync"`
	SFTPServer SFTPServerConfig `yaml:"sftp_server"`
	Retry      retry.Config     `yaml:"retry"`
}

// GlobalConfig covers settings every component shares.
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	ConfigDir string `yaml:"config_dir"`
}

// CatalogConfig describes how to reach the version-controlled catalog:
// either dial a running dolt sql-server, or spawn one rooted at DoltDir.
type CatalogConfig struct {
	DoltDir      string `yaml:"dolt_dir"`
	SpawnServer  bool   `yaml:"spawn_server"`
	User         string `yaml:"user"`
	Database     string `yaml:"database"`
	ServerSocket string `yaml:"server_socket"`
	Hostname     string `yaml:"hostname"`
	Port         int    `yaml:"port"`
}

// CatalogConfig translates directly into the catalog package's
// connection settings.
func (c CatalogConfig) Catalog() catalog.Config {
	return catalog.Config{
		DoltDir:         c.DoltDir,
		SpawnDoltServer: c.SpawnServer,
		Connection: catalog.Connection{
			User:         c.User,
			Database:     c.Database,
			ServerSocket: c.ServerSocket,
			Hostname:     c.Hostname,
			Port:         c.Port,
		},
	}
}

// SyncConfig tunes the sync engine's batching.
type SyncConfig struct {
	BatchSize int `yaml:"batch_size"`
	PageSize  int `yaml:"page_size"`
}

// SFTPServerConfig describes the server's listen surface.
type SFTPServerConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	HostKeyPath       string `yaml:"host_key_path"`
	AuthorizedKeysDir string `yaml:"authorized_keys_dir"`
	SandboxDir        string `yaml:"sandbox_dir"`
}

// NewDefault returns the configuration used when nothing is specified.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			ConfigDir: ".dolt-annex",
		},
		Catalog: CatalogConfig{
			User:     "root",
			Database: "dolt_annex",
			Hostname: "localhost",
			Port:     3306,
		},
		Sync: SyncConfig{
			BatchSize: 100,
			PageSize:  500,
		},
		SFTPServer: SFTPServerConfig{
			ListenAddr: ":2222",
		},
		Retry: retry.DefaultConfig(),
	}
}

// LoadFromFile overlays the YAML document at filename onto c. A missing
// file is not an error: defaults plus environment cover that case.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return annexerr.New(annexerr.Fatal, "reading configuration file").
			WithComponent("config").WithDetail("file", filename).WithCause(err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return annexerr.New(annexerr.Fatal, "parsing configuration file").
			WithComponent("config").WithDetail("file", filename).WithCause(err)
	}
	return nil
}

// envPrefix namespaces this module's environment variables.
const envPrefix = "DOLT_ANNEX_"

// LoadFromEnv overlays DOLT_ANNEX_* environment variables onto c.
// Environment wins over file values, so a deployment can override a
// shared config file per process.
func (c *Configuration) LoadFromEnv() error {
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Global.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "CONFIG_DIR"); v != "" {
		c.Global.ConfigDir = v
	}
	if v := os.Getenv(envPrefix + "CATALOG_DOLT_DIR"); v != "" {
		c.Catalog.DoltDir = v
	}
	if v := os.Getenv(envPrefix + "CATALOG_SPAWN"); v != "" {
		spawn, err := strconv.ParseBool(v)
		if err != nil {
			return badEnv("CATALOG_SPAWN", v, err)
		}
		c.Catalog.SpawnServer = spawn
	}
	if v := os.Getenv(envPrefix + "CATALOG_USER"); v != "" {
		c.Catalog.User = v
	}
	if v := os.Getenv(envPrefix + "CATALOG_DATABASE"); v != "" {
		c.Catalog.Database = v
	}
	if v := os.Getenv(envPrefix + "CATALOG_SOCKET"); v != "" {
		c.Catalog.ServerSocket = v
	}
	if v := os.Getenv(envPrefix + "CATALOG_HOST"); v != "" {
		c.Catalog.Hostname = v
	}
	if v := os.Getenv(envPrefix + "CATALOG_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return badEnv("CATALOG_PORT", v, err)
		}
		c.Catalog.Port = port
	}
	if v := os.Getenv(envPrefix + "SYNC_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return badEnv("SYNC_BATCH_SIZE", v, err)
		}
		c.Sync.BatchSize = n
	}
	if v := os.Getenv(envPrefix + "SYNC_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return badEnv("SYNC_PAGE_SIZE", v, err)
		}
		c.Sync.PageSize = n
	}
	if v := os.Getenv(envPrefix + "SFTP_LISTEN_ADDR"); v != "" {
		c.SFTPServer.ListenAddr = v
	}
	if v := os.Getenv(envPrefix + "SFTP_HOST_KEY"); v != "" {
		c.SFTPServer.HostKeyPath = v
	}
	if v := os.Getenv(envPrefix + "SFTP_AUTHORIZED_KEYS_DIR"); v != "" {
		c.SFTPServer.AuthorizedKeysDir = v
	}
	if v := os.Getenv(envPrefix + "SFTP_SANDBOX_DIR"); v != "" {
		c.SFTPServer.SandboxDir = v
	}
	return nil
}

func badEnv(name, value string, cause error) error {
	return annexerr.New(annexerr.Fatal, fmt.Sprintf("invalid %s%s value %q", envPrefix, name, value)).
		WithComponent("config").WithCause(cause)
}

// Validate rejects configurations no component could run with.
func (c *Configuration) Validate() error {
	if c.Sync.BatchSize <= 0 {
		return invalid("sync.batch_size must be positive")
	}
	if c.Sync.PageSize <= 0 {
		return invalid("sync.page_size must be positive")
	}
	if c.Catalog.ServerSocket == "" && c.Catalog.Hostname == "" {
		return invalid("catalog needs a server_socket or a hostname")
	}
	if c.Catalog.SpawnServer && c.Catalog.DoltDir == "" {
		return invalid("catalog.spawn_server requires catalog.dolt_dir")
	}
	return nil
}

func invalid(msg string) error {
	return annexerr.New(annexerr.Fatal, msg).WithComponent("config")
}

// Load is the standard composition: defaults, then file, then
// environment, then validation.
func Load(filename string) (*Configuration, error) {
	c := NewDefault()
	if err := c.LoadFromFile(filename); err != nil {
		return nil, err
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
