package ledger

import "time"

// TrashPrefix marks files a file manager has moved to trash; they are never synced.
const TrashPrefix = ".trashed-"

// IgnoreFileName holds gitignore style rules for the files directly in a
// sync folder. The file itself is never synced.
const IgnoreFileName = ".foldersyncignore"

// Well-known SyncMetadata keys.
const (
	KeyLastSyncTime     = "last_sync_time"
	KeyRemoteFolderID   = "remote_folder_id"
	KeyRemoteFolderName = "remote_folder_name"
	KeyDeviceID         = "device_id"
)

// SyncedFileRecord is one previously uploaded local file.
type SyncedFileRecord struct {
	LocalPath      string
	FileName       string
	TargetFolder   string
	RemoteID       string
	FileSizeBytes  uint64
	ContentHash    string
	SyncedAt       time.Time
	LastModifiedAt time.Time
}

// File is a local file that is not (or no longer) covered by a ledger record.
type File struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}

// dbRecord mirrors the synced_files row. Timestamps are unix milliseconds so
// staleness checks compare numbers, not formatted strings.
type dbRecord struct {
	LocalPath      string `db:"local_path"`
	FileName       string `db:"file_name"`
	TargetFolder   string `db:"target_folder"`
	RemoteID       string `db:"remote_id"`
	FileSize       int64  `db:"file_size"`
	ContentHash    string `db:"content_hash"`
	SyncedAt       int64  `db:"synced_at"`
	LastModifiedAt int64  `db:"last_modified_at"`
}

func (r *dbRecord) toRecord() *SyncedFileRecord {
	return &SyncedFileRecord{
		LocalPath:      r.LocalPath,
		FileName:       r.FileName,
		TargetFolder:   r.TargetFolder,
		RemoteID:       r.RemoteID,
		FileSizeBytes:  uint64(r.FileSize),
		ContentHash:    r.ContentHash,
		SyncedAt:       time.UnixMilli(r.SyncedAt).UTC(),
		LastModifiedAt: time.UnixMilli(r.LastModifiedAt).UTC(),
	}
}
