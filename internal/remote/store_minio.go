package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string // host:port, or a URL whose scheme selects TLS
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	DeviceID  string
}

type minioAPI interface {
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

type MinioStore struct {
	client   minioAPI
	bucket   string
	deviceID string
}

func NewMinioStore(cfg *MinioConfig) (*MinioStore, error) {
	host, secure, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	return newMinioStore(client, cfg.Bucket, cfg.DeviceID), nil
}

func newMinioStore(client minioAPI, bucket, deviceID string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket, deviceID: deviceID}
}

func (m *MinioStore) FindByName(ctx context.Context, parentID, name string) (*Object, error) {
	key, err := objectKey(parentID, name)
	if err != nil {
		return nil, err
	}

	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if isMinioNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	return &Object{ID: key, Name: name, Size: info.Size}, nil
}

func (m *MinioStore) Upload(ctx context.Context, parentID, localPath string) (string, error) {
	key, err := objectKey(parentID, filepath.Base(localPath))
	if err != nil {
		return "", err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return "", err
	}

	res, err := m.client.FPutObject(ctx, m.bucket, key, localPath, minio.PutObjectOptions{
		UserMetadata: uploadMetadata(m.deviceID, info.ModTime()),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	slog.Debug("minio upload", "bucket", m.bucket, "key", key, "size", res.Size, "etag", res.ETag)
	return key, nil
}

func (m *MinioStore) ListFolders(ctx context.Context, parentID string) ([]Folder, error) {
	prefix := normalizePrefix(parentID)

	var folders []Folder
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, obj.Err)
		}
		// non-recursive listings report common prefixes as keys ending in "/"
		if len(obj.Key) == 0 || obj.Key[len(obj.Key)-1] != '/' || obj.Key == prefix {
			continue
		}
		folders = append(folders, Folder{ID: obj.Key, Name: folderName(prefix, obj.Key)})
	}
	return folders, nil
}

func (m *MinioStore) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	key, err := folderKey(parentID, name)
	if err != nil {
		return "", err
	}

	if _, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("create folder %s: %w", key, err)
	}

	slog.Info("minio folder created", "bucket", m.bucket, "key", key)
	return key, nil
}

func isMinioNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func parseEndpoint(endpoint string) (host string, secure bool, err error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("minio: endpoint required")
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		// plain host:port
		return endpoint, true, nil
	}

	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("minio: unsupported endpoint scheme %q", u.Scheme)
	}
}
