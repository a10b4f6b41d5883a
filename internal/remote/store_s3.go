package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/openmined/foldersync/internal/version"
)

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, S3 compatible endpoints use path style addressing
	AccessKey string
	SecretKey string
	DeviceID  string
}

// s3API is the subset of *s3.Client the store calls.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	s3.ListObjectsV2APIClient
}

type S3Store struct {
	client   s3API
	bucket   string
	deviceID string
}

func NewS3Store(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, cfg.Bucket, cfg.DeviceID), nil
}

func newS3Store(client s3API, bucket, deviceID string) *S3Store {
	return &S3Store{client: client, bucket: bucket, deviceID: deviceID}
}

func (s *S3Store) FindByName(ctx context.Context, parentID, name string) (*Object, error) {
	key, err := objectKey(parentID, name)
	if err != nil {
		return nil, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("head %s: %w", key, err)
	}

	return &Object{ID: key, Name: name, Size: aws.ToInt64(out.ContentLength)}, nil
}

func (s *S3Store) Upload(ctx context.Context, parentID, localPath string) (string, error) {
	key, err := objectKey(parentID, filepath.Base(localPath))
	if err != nil {
		return "", err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      uploadMetadata(s.deviceID, info.ModTime()),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	slog.Debug("s3 upload", "bucket", s.bucket, "key", key, "size", info.Size())
	return key, nil
}

func (s *S3Store) ListFolders(ctx context.Context, parentID string) ([]Folder, error) {
	prefix := normalizePrefix(parentID)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var folders []Folder
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			id := aws.ToString(cp.Prefix)
			folders = append(folders, Folder{ID: id, Name: folderName(prefix, id)})
		}
	}
	return folders, nil
}

func (s *S3Store) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	key, err := folderKey(parentID, name)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return "", fmt.Errorf("create folder %s: %w", key, err)
	}

	slog.Info("s3 folder created", "bucket", s.bucket, "key", key)
	return key, nil
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

func uploadMetadata(deviceID string, modTime time.Time) map[string]string {
	meta := map[string]string{
		MetaModTime:   modTime.UTC().Format(time.RFC3339Nano),
		MetaUserAgent: version.UserAgent(),
	}
	if deviceID != "" {
		meta[MetaDeviceID] = deviceID
	}
	return meta
}
