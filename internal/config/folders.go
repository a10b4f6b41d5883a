package config

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"github.com/openmined/foldersync/internal/utils"
)

type FolderStatus string

const (
	StatusIdle    FolderStatus = "idle"
	StatusSyncing FolderStatus = "syncing"
	StatusPending FolderStatus = "pending"
	StatusError   FolderStatus = "error"
)

// RemoteBinding pins a local folder to a specific remote folder.
type RemoteBinding struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

type FolderConfig struct {
	ID          string         `json:"id" yaml:"id"`
	LocalPath   string         `json:"local_path" yaml:"local_path"`
	DisplayName string         `json:"display_name" yaml:"display_name"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	Status      FolderStatus   `json:"status" yaml:"status"`
	LastError   string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Remote      *RemoteBinding `json:"remote,omitempty" yaml:"remote,omitempty"`
}

func (f *FolderConfig) clone() FolderConfig {
	out := *f
	if f.Remote != nil {
		r := *f.Remote
		out.Remote = &r
	}
	return out
}

// AddFolder registers an existing local directory. The display name
// defaults to the directory's base name.
func (c *Config) AddFolder(path, name string) (FolderConfig, error) {
	abs, err := utils.ResolvePath(path)
	if err != nil {
		return FolderConfig{}, err
	}
	if !utils.DirExists(abs) {
		return FolderConfig{}, fmt.Errorf("%w: %s", ErrNotADirectory, abs)
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range c.Folders {
		if f.LocalPath == abs {
			return FolderConfig{}, fmt.Errorf("%w: %s", ErrFolderExists, abs)
		}
	}

	f := &FolderConfig{
		ID:          uuid.NewString(),
		LocalPath:   abs,
		DisplayName: name,
		Enabled:     true,
		Status:      StatusIdle,
	}
	c.Folders = append(c.Folders, f)
	return f.clone(), nil
}

func (c *Config) RemoveFolder(ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(ref)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrFolderNotFound, ref)
	}
	c.Folders = slices.Delete(c.Folders, i, i+1)
	return nil
}

func (c *Config) RenameFolder(ref, name string) error {
	if name == "" {
		return fmt.Errorf("display name cannot be empty")
	}
	return c.update(ref, func(f *FolderConfig) {
		f.DisplayName = name
	})
}

func (c *Config) SetFolderEnabled(ref string, enabled bool) error {
	return c.update(ref, func(f *FolderConfig) {
		f.Enabled = enabled
		if !enabled {
			f.Status = StatusIdle
		}
	})
}

// BindRemoteFolder pins the folder to a remote folder. An empty remoteID
// removes the binding so the default remote folder is used again.
func (c *Config) BindRemoteFolder(ref, remoteID, remoteName string) error {
	return c.update(ref, func(f *FolderConfig) {
		if remoteID == "" {
			f.Remote = nil
			return
		}
		f.Remote = &RemoteBinding{ID: remoteID, Name: remoteName}
	})
}

// SetFolderStatus records the folder's sync state. A non-nil err is kept
// as LastError; any other status clears it.
func (c *Config) SetFolderStatus(ref string, status FolderStatus, err error) error {
	return c.update(ref, func(f *FolderConfig) {
		f.Status = status
		switch {
		case err != nil:
			f.LastError = err.Error()
		case status != StatusError:
			f.LastError = ""
		}
	})
}

// Lookup finds a folder by id, local path or display name.
func (c *Config) Lookup(ref string) (FolderConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i := c.indexOf(ref)
	if i < 0 {
		return FolderConfig{}, false
	}
	return c.Folders[i].clone(), true
}

func (c *Config) AllFolders() []FolderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]FolderConfig, 0, len(c.Folders))
	for _, f := range c.Folders {
		out = append(out, f.clone())
	}
	return out
}

func (c *Config) EnabledFolders() []FolderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []FolderConfig
	for _, f := range c.Folders {
		if f.Enabled {
			out = append(out, f.clone())
		}
	}
	return out
}

func (c *Config) update(ref string, fn func(*FolderConfig)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(ref)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrFolderNotFound, ref)
	}
	fn(c.Folders[i])
	return nil
}

// indexOf must be called with mu held.
func (c *Config) indexOf(ref string) int {
	if ref == "" {
		return -1
	}
	abs, _ := utils.ResolvePath(ref)
	for i, f := range c.Folders {
		if f.ID == ref || f.LocalPath == abs || f.DisplayName == ref {
			return i
		}
	}
	return -1
}
