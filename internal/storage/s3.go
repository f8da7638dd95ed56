// Package storage publishes finished PDFs to S3 and fetches s3:// inputs.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Options configures an S3Client. Empty credentials fall back to the
// default AWS chain; Endpoint switches to path-style addressing for
// S3-compatible servers.
type Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// Versioned keeps every upload as <name>_v{N}.pdf and promotes the
	// newest copy to the plain key.
	Versioned bool
}

// S3Client wraps the AWS S3 client for document publishing
type S3Client struct {
	client     *s3.Client
	uploader   *manager.Uploader
	bucketName string
	prefix     string
	versioned  bool
}

// Published describes an uploaded document.
type Published struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	URL     string `json:"url"`
	Version int    `json:"version,omitempty"`
	Size    int64  `json:"size"`
}

// NewS3Client creates a new S3 client
func NewS3Client(ctx context.Context, opts Options) (*S3Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket not configured")
	}
	var loadOpts []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:     cli,
		uploader:   manager.NewUploader(cli),
		bucketName: opts.Bucket,
		prefix:     strings.Trim(opts.Prefix, "/"),
		versioned:  opts.Versioned,
	}, nil
}

// Bucket returns the configured bucket name.
func (s *S3Client) Bucket() string { return s.bucketName }

// Key returns the object key for a file name under the configured prefix.
func (s *S3Client) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Ping checks that the bucket is reachable with the current credentials.
func (s *S3Client) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucketName)})
	return err
}

// UploadFile uploads the file at localPath under its base name.
func (s *S3Client) UploadFile(ctx context.Context, localPath string, meta map[string]string) (Published, error) {
	name := filepath.Base(localPath)
	baseKey := s.Key(name)
	if !s.versioned {
		size, err := s.put(ctx, localPath, baseKey, meta)
		if err != nil {
			return Published{}, err
		}
		log.Info().Str("key", baseKey).Int64("size", size).Msg("uploaded document to S3")
		return Published{Bucket: s.bucketName, Key: baseKey, URL: s.url(baseKey), Size: size}, nil
	}

	stem := strings.TrimSuffix(baseKey, path.Ext(baseKey))
	n, err := s.ListNextVersion(ctx, stem)
	if err != nil {
		log.Warn().Err(err).Str("base_key", baseKey).Msg("failed to list next version; defaulting to v1")
	}
	if n <= 0 {
		n = 1
	}
	versionedKey := fmt.Sprintf("%s_v%d%s", stem, n, path.Ext(baseKey))
	size, err := s.put(ctx, localPath, versionedKey, meta)
	if err != nil {
		return Published{}, err
	}

	baseMeta := map[string]string{"version": strconv.Itoa(n), "promoted_from": versionedKey}
	for k, v := range meta {
		baseMeta[k] = v
	}
	if err := s.CopyObjectWithMetadata(ctx, versionedKey, baseKey, baseMeta); err != nil {
		log.Warn().Err(err).Str("src", versionedKey).Str("dst", baseKey).Msg("promotion to base failed; keeping versioned object only")
		return Published{Bucket: s.bucketName, Key: versionedKey, URL: s.url(versionedKey), Version: n, Size: size}, nil
	}
	log.Info().Str("versioned_key", versionedKey).Str("base_key", baseKey).Msg("uploaded versioned document and promoted to base")
	return Published{Bucket: s.bucketName, Key: baseKey, URL: s.url(baseKey), Version: n, Size: size}, nil
}

func (s *S3Client) put(ctx context.Context, localPath, key string, meta map[string]string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	m := map[string]string{"name": filepath.Base(localPath), "created": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range meta {
		m[k] = v
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(mt.String()),
		Metadata:    m,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload to S3: %w", err)
	}
	return st.Size(), nil
}

// ListNextVersion returns the next available integer suffix for a base key using pattern baseKey_v{N}
func (s *S3Client) ListNextVersion(ctx context.Context, baseKey string) (int, error) {
	if baseKey == "" {
		return 1, nil
	}

	prefix := baseKey + "_v"
	maxVersion := 0

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 1, fmt.Errorf("list versions failed: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			if n := versionOf(*obj.Key, prefix); n > maxVersion {
				maxVersion = n
			}
		}
	}

	return maxVersion + 1, nil
}

// versionOf parses N out of prefix+N[.ext]; 0 when key does not match.
func versionOf(key, prefix string) int {
	if !strings.HasPrefix(key, prefix) {
		return 0
	}
	rest := strings.TrimPrefix(key, prefix)
	rest = strings.TrimSuffix(rest, path.Ext(rest))
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// CopyObjectWithMetadata copies an object to a new key and replaces metadata
func (s *S3Client) CopyObjectWithMetadata(ctx context.Context, srcKey, dstKey string, meta map[string]string) error {
	if srcKey == "" || dstKey == "" {
		return fmt.Errorf("copy: empty src or dst key")
	}

	copySource := fmt.Sprintf("%s/%s", s.bucketName, srcKey)

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucketName),
		Key:               aws.String(dstKey),
		CopySource:        aws.String(copySource),
		Metadata:          meta,
		MetadataDirective: s3types.MetadataDirectiveReplace,
	})
	if err != nil {
		return fmt.Errorf("copy object failed: %w", err)
	}
	return nil
}

// DownloadToTemp fetches s3://bucket/key into dir (os.TempDir() when
// empty) and returns the local path. The caller removes it.
func (s *S3Client) DownloadToTemp(ctx context.Context, s3url, dir string) (string, error) {
	bucket, key, err := ParseURL(s3url)
	if err != nil {
		return "", err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", fmt.Errorf("failed to download from S3: %w", err)
	}
	defer out.Body.Close()

	f, err := os.CreateTemp(dir, "s3pdf-*"+path.Ext(key))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	log.Info().Str("bucket", bucket).Str("key", key).Str("file", filepath.Base(f.Name())).Msg("downloaded s3 object to temp")
	return f.Name(), nil
}

// ParseURL splits s3://bucket/key.
func ParseURL(s3url string) (bucket, key string, err error) {
	p := strings.TrimPrefix(s3url, "s3://")
	if p == s3url {
		return "", "", fmt.Errorf("invalid s3 url: %s", s3url)
	}
	slash := strings.Index(p, "/")
	if slash <= 0 || slash == len(p)-1 {
		return "", "", fmt.Errorf("invalid s3 url: %s", s3url)
	}
	return p[:slash], p[slash+1:], nil
}

func (s *S3Client) url(key string) string { return fmt.Sprintf("s3://%s/%s", s.bucketName, key) }
