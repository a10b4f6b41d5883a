package controlplane

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/foldersync/internal/config"
	"github.com/openmined/foldersync/internal/events"
)

const (
	CodeOk               string = "OK"
	ErrCodeBadRequest    string = "ERR_BAD_REQUEST"
	ErrCodeNotFound      string = "ERR_NOT_FOUND"
	ErrCodeConflict      string = "ERR_CONFLICT"
	ErrCodeAgentNotReady string = "ERR_AGENT_NOT_READY"
	ErrCodeUnknownError  string = "ERR_UNKNOWN_ERROR"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

func abortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ErrorResponse{
		ErrorCode: code,
		Error:     err.Error(),
	})
}

type StatusResponse struct {
	Status       string           `json:"status"`
	Timestamp    string           `json:"ts"`
	Version      string           `json:"version"`
	Revision     string           `json:"revision"`
	BuildDate    string           `json:"buildDate"`
	LastSync     *time.Time       `json:"lastSync,omitempty"`
	SyncedFiles  int              `json:"syncedFiles"`
	RemoteFolder string           `json:"remoteFolder,omitempty"`
	DeviceID     string           `json:"deviceId,omitempty"`
	Watching     int              `json:"watching"`
	Folders      []FolderResponse `json:"folders"`
}

type FolderResponse struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Path         string              `json:"path"`
	Enabled      bool                `json:"enabled"`
	Status       config.FolderStatus `json:"status"`
	LastError    string              `json:"lastError,omitempty"`
	RemoteFolder string              `json:"remoteFolder,omitempty"`
	Watching     bool                `json:"watching"`
}

type SyncResponse struct {
	Code   string         `json:"code"`
	Folder FolderResponse `json:"folder"`
}

type HistoryResponse struct {
	Files []HistoryEntry `json:"files"`
}

type HistoryEntry struct {
	Path         string    `json:"path"`
	RemoteID     string    `json:"remoteId"`
	TargetFolder string    `json:"targetFolder"`
	Size         uint64    `json:"size"`
	ContentHash  string    `json:"contentHash,omitempty"`
	SyncedAt     time.Time `json:"syncedAt"`
	ModifiedAt   time.Time `json:"modifiedAt"`
}

// EventMessage is one broadcaster event as written to /v1/events.
type EventMessage struct {
	Kind     events.Kind `json:"kind"`
	Folder   string      `json:"folder"`
	Path     string      `json:"path,omitempty"`
	Uploaded int         `json:"uploaded,omitempty"`
	Total    int         `json:"total,omitempty"`
	Error    string      `json:"error,omitempty"`
	Time     time.Time   `json:"time"`
}

func newEventMessage(ev events.Event) *EventMessage {
	msg := &EventMessage{
		Kind:     ev.Kind,
		Folder:   ev.Folder,
		Path:     ev.Path,
		Uploaded: ev.Uploaded,
		Total:    ev.Total,
		Time:     ev.Time,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}

func newFolderResponse(f config.FolderConfig, watching bool) FolderResponse {
	fr := FolderResponse{
		ID:        f.ID,
		Name:      f.DisplayName,
		Path:      f.LocalPath,
		Enabled:   f.Enabled,
		Status:    f.Status,
		LastError: f.LastError,
		Watching:  watching,
	}
	if f.Remote != nil {
		fr.RemoteFolder = f.Remote.Name
	}
	return fr
}
