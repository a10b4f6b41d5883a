package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/openmined/foldersync/internal/utils"
)

const (
	BackendS3    = "s3"
	BackendMinio = "minio"

	DefaultRemoteFolderName = "FolderSync"
	DefaultQuietPeriod      = 5 * time.Second
	DefaultSyncInterval     = 15 * time.Minute
	DefaultRegion           = "us-east-1"
	DefaultControlAddr      = "127.0.0.1:7938"
	ledgerFileName          = "ledger.db"
)

var (
	home, _            = os.UserHomeDir()
	DefaultDataDir     = filepath.Join(home, ".foldersync")
	DefaultConfigPath  = filepath.Join(DefaultDataDir, "config.json")
	DefaultLogFilePath = filepath.Join(DefaultDataDir, "logs", "foldersync.log")

	DefaultExclude = []string{"*.tmp", "*.part", "~$*", "Thumbs.db"}
)

var (
	ErrFolderExists   = errors.New("config: folder already configured")
	ErrFolderNotFound = errors.New("config: folder not found")
	ErrNotADirectory  = errors.New("config: not a directory")
)

type Config struct {
	DataDir             string          `json:"data_dir"`
	LedgerPath          string          `json:"ledger_path,omitempty"`
	AccessToken         string          `json:"access_token,omitempty"`
	TokenKey            string          `json:"token_key,omitempty"`
	Backend             string          `json:"backend"`
	Endpoint            string          `json:"endpoint,omitempty"`
	Region              string          `json:"region,omitempty"`
	Bucket              string          `json:"bucket"`
	AccessKey           string          `json:"access_key,omitempty"`
	SecretKey           string          `json:"secret_key,omitempty"`
	DefaultRemoteFolder string          `json:"default_remote_folder"`
	QuietPeriod         Duration        `json:"quiet_period"`
	SyncInterval        Duration        `json:"sync_interval"`
	Exclude             []string        `json:"exclude"`
	ControlAddr         string          `json:"control_addr"`
	ControlToken        string          `json:"control_token,omitempty"`
	Folders             []*FolderConfig `json:"folders"`
	Path                string          `json:"-"`

	mu sync.RWMutex
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	return &Config{
		DataDir:             DefaultDataDir,
		Backend:             BackendS3,
		Region:              DefaultRegion,
		DefaultRemoteFolder: DefaultRemoteFolderName,
		QuietPeriod:         Duration(DefaultQuietPeriod),
		SyncInterval:        Duration(DefaultSyncInterval),
		Exclude:             slices.Clone(DefaultExclude),
		ControlAddr:         DefaultControlAddr,
		Path:                DefaultConfigPath,
	}
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.Exclude = nil
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Exclude == nil {
		cfg.Exclude = slices.Clone(DefaultExclude)
	}
	cfg.Path = path

	return cfg, nil
}

// Save writes the config to Path through a temp file and rename.
// The file holds credentials, so it is private to the user.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Path == "" {
		return fmt.Errorf("config path is empty")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	unlock, err := lockFile(c.Path)
	if err != nil {
		return err
	}
	defer unlock()

	return writeFile(c.Path, data)
}

// SaveStatus copies the status and last error of every folder into the
// file at Path. All other fields keep what the file has, so folder edits
// saved by another process since this config was loaded are not lost.
func (c *Config) SaveStatus() error {
	if c.Path == "" {
		return fmt.Errorf("config path is empty")
	}

	unlock, err := lockFile(c.Path)
	if err != nil {
		return err
	}
	defer unlock()

	disk, err := LoadFromFile(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		c.mu.RLock()
		data, err := json.MarshalIndent(c, "", "  ")
		c.mu.RUnlock()
		if err != nil {
			return err
		}
		return writeFile(c.Path, data)
	} else if err != nil {
		return err
	}

	c.mu.RLock()
	for _, f := range disk.Folders {
		for _, mine := range c.Folders {
			if mine.ID == f.ID {
				f.Status = mine.Status
				f.LastError = mine.LastError
				break
			}
		}
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(c.Path, data)
}

// lockFile takes an exclusive lock on path's sibling lock file, shared by
// every process that writes the config.
func lockFile(path string) (func(), error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, err
	}
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock config: %w", err)
	}
	return func() { _ = fl.Unlock() }, nil
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (c *Config) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error

	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}
	if c.LedgerPath != "" {
		if c.LedgerPath, err = utils.ResolvePath(c.LedgerPath); err != nil {
			return fmt.Errorf("ledger path: %w", err)
		}
	}

	switch c.Backend {
	case BackendS3, BackendMinio:
	case "":
		c.Backend = BackendS3
	default:
		return fmt.Errorf("`backend` must be %q or %q, got %q", BackendS3, BackendMinio, c.Backend)
	}
	if c.Backend == BackendMinio && c.Endpoint == "" {
		return fmt.Errorf("`endpoint` is required for the minio backend")
	}
	if c.Bucket == "" {
		return fmt.Errorf("`bucket` is required")
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.DefaultRemoteFolder == "" {
		c.DefaultRemoteFolder = DefaultRemoteFolderName
	}

	if c.QuietPeriod <= 0 {
		return fmt.Errorf("`quiet_period` must be positive")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("`sync_interval` must not be negative")
	}

	// an empty control_addr turns the control plane off
	if c.ControlAddr != "" {
		if _, _, err := net.SplitHostPort(c.ControlAddr); err != nil {
			return fmt.Errorf("`control_addr`: %w", err)
		}
	}

	for _, p := range c.Exclude {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid exclude pattern %q", p)
		}
	}

	seen := make(map[string]bool, len(c.Folders))
	for _, f := range c.Folders {
		if f.LocalPath, err = utils.ResolvePath(f.LocalPath); err != nil {
			return fmt.Errorf("folder %s: %w", f.ID, err)
		}
		if seen[f.LocalPath] {
			return fmt.Errorf("%w: %s", ErrFolderExists, f.LocalPath)
		}
		seen[f.LocalPath] = true
		if f.Status == "" {
			f.Status = StatusIdle
		}
	}

	return nil
}

// LedgerFile is the sqlite database backing the sync ledger.
func (c *Config) LedgerFile() string {
	if c.LedgerPath != "" {
		return c.LedgerPath
	}
	return filepath.Join(c.DataDir, ledgerFileName)
}

// Duration is a time.Duration that reads and writes as "5s" in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}
