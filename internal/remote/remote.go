// Package remote holds the capabilities the sync engine consumes: who is
// signed in, and an object store that understands folders.
package remote

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrInvalidToken = errors.New("remote: invalid access token")
	ErrTokenExpired = errors.New("remote: access token expired")
	ErrInvalidName  = errors.New("remote: invalid object name")
)

// Metadata keys attached to every uploaded object.
const (
	MetaDeviceID  = "device-id"
	MetaModTime   = "mtime"
	MetaUserAgent = "uploaded-by"
)

type User struct {
	ID    string
	Email string
}

// Identity returns the signed in user, or nil when nobody is signed in.
type Identity interface {
	CurrentUser(ctx context.Context) (*User, error)
}

// Object is an existing remote file.
type Object struct {
	ID   string
	Name string
	Size int64
}

type Folder struct {
	ID   string
	Name string
}

// Store is a remote object store with one level of named folders.
// An empty parentID is the store root.
type Store interface {
	// FindByName returns nil, nil when no object called name exists under parentID.
	FindByName(ctx context.Context, parentID, name string) (*Object, error)
	// Upload stores the local file under parentID with its base name and returns the object id.
	Upload(ctx context.Context, parentID, localPath string) (string, error)
	ListFolders(ctx context.Context, parentID string) ([]Folder, error)
	CreateFolder(ctx context.Context, name, parentID string) (string, error)
}

// Folders on object stores are key prefixes ending in "/"; the folder id is
// the full prefix and objects are keyed parentID + name.

func objectKey(parentID, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return normalizePrefix(parentID) + name, nil
}

func folderKey(parentID, name string) (string, error) {
	key, err := objectKey(parentID, name)
	if err != nil {
		return "", err
	}
	return key + "/", nil
}

func normalizePrefix(parentID string) string {
	parentID = strings.TrimLeft(parentID, "/")
	if parentID != "" && !strings.HasSuffix(parentID, "/") {
		parentID += "/"
	}
	return parentID
}

// folderName turns "parent/child/" into "child" given the parent prefix.
func folderName(parentPrefix, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(prefix, parentPrefix), "/")
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return ErrInvalidName
	}
	return nil
}
