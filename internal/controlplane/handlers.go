package controlplane

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gin-gonic/gin"
	"github.com/openmined/foldersync/internal/agent"
	"github.com/openmined/foldersync/internal/config"
	"github.com/openmined/foldersync/internal/engine"
	"github.com/openmined/foldersync/internal/events"
	"github.com/openmined/foldersync/internal/ledger"
	"github.com/openmined/foldersync/internal/version"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Agent is the part of a running agent the control plane reads and drives.
type Agent interface {
	Config() *config.Config
	Ledger() *ledger.Ledger
	Events() *events.Broadcaster
	Watching() []string
	Trigger(ref string) (config.FolderConfig, error)
}

type Handler struct {
	agent Agent
}

func NewHandler(a Agent) *Handler {
	return &Handler{agent: a}
}

func (h *Handler) Index(c *gin.Context) {
	c.PureJSON(http.StatusOK, gin.H{"version": version.Detailed()})
}

func (h *Handler) Health(c *gin.Context) {
	c.PureJSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports the ledger summary and every configured folder.
//
//	@Summary		Get status
//	@Description	Returns the ledger summary and the state of every configured folder
//	@Tags			status
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Failure		401	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/v1/status [get]
func (h *Handler) Status(c *gin.Context) {
	l := h.agent.Ledger()

	count, err := l.Count()
	if err != nil {
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeAgentNotReady, err)
		return
	}
	last, err := engine.LastSyncTime(l)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	remoteName, _, err := l.GetMetadata(ledger.KeyRemoteFolderName)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	deviceID, _, err := l.GetMetadata(ledger.KeyDeviceID)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}

	folders := h.folders()
	resp := &StatusResponse{
		Status:       "ok",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Version:      version.Version,
		Revision:     version.Revision,
		BuildDate:    version.BuildDate,
		SyncedFiles:  count,
		RemoteFolder: remoteName,
		DeviceID:     deviceID,
		Folders:      folders,
	}
	for _, f := range folders {
		if f.Watching {
			resp.Watching++
		}
	}
	if !last.IsZero() {
		resp.LastSync = &last
	}
	c.PureJSON(http.StatusOK, resp)
}

// ListFolders returns every configured folder.
//
//	@Summary	List folders
//	@Tags		folders
//	@Produce	json
//	@Success	200	{array}		FolderResponse
//	@Failure	401	{object}	ErrorResponse
//	@Router		/v1/folders [get]
func (h *Handler) ListFolders(c *gin.Context) {
	c.PureJSON(http.StatusOK, h.folders())
}

// GetFolder looks up one folder by id, local path or display name.
//
//	@Summary	Get folder
//	@Tags		folders
//	@Produce	json
//	@Param		ref	path		string	true	"Folder id, local path or display name"
//	@Success	200	{object}	FolderResponse
//	@Failure	401	{object}	ErrorResponse
//	@Failure	404	{object}	ErrorResponse
//	@Router		/v1/folders/{ref} [get]
func (h *Handler) GetFolder(c *gin.Context) {
	f, ok := h.agent.Config().Lookup(c.Param("ref"))
	if !ok {
		abortWithError(c, http.StatusNotFound, ErrCodeNotFound, config.ErrFolderNotFound)
		return
	}
	watching := mapset.NewThreadUnsafeSet(h.agent.Watching()...)
	c.PureJSON(http.StatusOK, newFolderResponse(f, watching.Contains(f.ID)))
}

// SyncFolder queues a pass for one folder and replies before it runs.
//
//	@Summary		Sync folder
//	@Description	Queues a sync pass on the running agent. Progress is streamed on /v1/events
//	@Tags			folders
//	@Produce		json
//	@Param			ref	path		string	true	"Folder id, local path or display name"
//	@Success		202	{object}	SyncResponse
//	@Failure		401	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/v1/folders/{ref}/sync [post]
func (h *Handler) SyncFolder(c *gin.Context) {
	f, err := h.agent.Trigger(c.Param("ref"))
	switch {
	case errors.Is(err, config.ErrFolderNotFound):
		abortWithError(c, http.StatusNotFound, ErrCodeNotFound, err)
		return
	case errors.Is(err, agent.ErrFolderDisabled):
		abortWithError(c, http.StatusConflict, ErrCodeConflict, err)
		return
	case errors.Is(err, agent.ErrNotRunning):
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeAgentNotReady, err)
		return
	case err != nil:
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}

	c.PureJSON(http.StatusAccepted, &SyncResponse{
		Code:   CodeOk,
		Folder: newFolderResponse(f, true),
	})
}

// History lists synced files, most recent first.
//
//	@Summary	Sync history
//	@Tags		history
//	@Produce	json
//	@Param		limit	query		int	false	"Max entries (1-1000)"	default(50)
//	@Param		offset	query		int	false	"Entries to skip"		default(0)
//	@Success	200		{object}	HistoryResponse
//	@Failure	400		{object}	ErrorResponse
//	@Failure	401		{object}	ErrorResponse
//	@Router		/v1/history [get]
func (h *Handler) History(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 || limit > maxHistoryLimit {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, errors.New("limit must be between 1 and 1000"))
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, errors.New("offset must be a positive number"))
		return
	}

	records, err := h.agent.Ledger().History(limit, offset)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}

	resp := &HistoryResponse{Files: make([]HistoryEntry, 0, len(records))}
	for _, rec := range records {
		resp.Files = append(resp.Files, HistoryEntry{
			Path:         rec.LocalPath,
			RemoteID:     rec.RemoteID,
			TargetFolder: rec.TargetFolder,
			Size:         rec.FileSizeBytes,
			ContentHash:  rec.ContentHash,
			SyncedAt:     rec.SyncedAt,
			ModifiedAt:   rec.LastModifiedAt,
		})
	}
	c.PureJSON(http.StatusOK, resp)
}

func (h *Handler) folders() []FolderResponse {
	watching := mapset.NewThreadUnsafeSet(h.agent.Watching()...)
	all := h.agent.Config().AllFolders()

	folders := make([]FolderResponse, 0, len(all))
	for _, f := range all {
		folders = append(folders, newFolderResponse(f, watching.Contains(f.ID)))
	}
	return folders
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
