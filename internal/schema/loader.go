package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// NewLoader picks a Loader implementation from the schema source:
// a local directory, an http(s) index URL, or an s3://bucket/prefix.
func NewLoader(source string) (Loader, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return &HTTPLoader{IndexURL: source}, nil
	case strings.HasPrefix(source, "s3://"):
		return NewBucketLoader(source)
	case source == "":
		return nil, fmt.Errorf("schema source is empty")
	default:
		return &FileLoader{Dir: source}, nil
	}
}

// FileLoader reads every dataset.json under a directory tree. Used for
// local development and in tests.
type FileLoader struct {
	Dir string
}

func (l *FileLoader) Load(_ context.Context) ([][]byte, error) {
	var docs [][]byte
	err := filepath.WalkDir(l.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Base(path) != "dataset.json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		docs = append(docs, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk schema dir %s: %w", l.Dir, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no dataset.json files under %s", l.Dir)
	}
	return docs, nil
}

// HTTPLoader fetches dataset documents from a schema server. The index
// URL returns a JSON object mapping dataset ids to relative document
// paths; each document is fetched individually.
type HTTPLoader struct {
	IndexURL string
	Client   *http.Client
}

func (l *HTTPLoader) Load(ctx context.Context) ([][]byte, error) {
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	index, err := fetch(ctx, client, l.IndexURL)
	if err != nil {
		return nil, fmt.Errorf("fetch schema index: %w", err)
	}
	var entries map[string]string
	if err := json.Unmarshal(index, &entries); err != nil {
		return nil, fmt.Errorf("parse schema index: %w", err)
	}

	base, err := url.Parse(l.IndexURL)
	if err != nil {
		return nil, fmt.Errorf("parse index url: %w", err)
	}

	docs := make([][]byte, 0, len(entries))
	for _, id := range sortedKeys(entries) {
		rel, err := url.Parse(entries[id])
		if err != nil {
			return nil, fmt.Errorf("dataset %s: bad document path %q: %w", id, entries[id], err)
		}
		doc, err := fetch(ctx, client, base.ResolveReference(rel).String())
		if err != nil {
			return nil, fmt.Errorf("fetch dataset %s: %w", id, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func fetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// BucketLoader lists and fetches dataset.json objects from an object-store
// bucket. Credentials and endpoint come from the standard S3_* env vars.
type BucketLoader struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewBucketLoader parses an s3://bucket/prefix source and connects to the
// endpoint in S3_ENDPOINT (default AWS S3).
func NewBucketLoader(source string) (*BucketLoader, error) {
	trimmed := strings.TrimPrefix(source, "s3://")
	bucket, prefix, _ := strings.Cut(trimmed, "/")
	if bucket == "" {
		return nil, fmt.Errorf("schema source %q: missing bucket name", source)
	}

	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	useSSL := os.Getenv("S3_USE_SSL") != "false"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv("S3_ACCESS_KEY"), os.Getenv("S3_SECRET_KEY"), ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to schema bucket: %w", err)
	}
	return &BucketLoader{client: client, bucket: bucket, prefix: prefix}, nil
}

func (l *BucketLoader) Load(ctx context.Context) ([][]byte, error) {
	var docs [][]byte
	objects := l.client.ListObjects(ctx, l.bucket, minio.ListObjectsOptions{
		Prefix:    l.prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("list schema bucket: %w", obj.Err)
		}
		if filepath.Base(obj.Key) != "dataset.json" {
			continue
		}
		reader, err := l.client.GetObject(ctx, l.bucket, obj.Key, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", obj.Key, err)
		}
		data, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", obj.Key, err)
		}
		docs = append(docs, data)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no dataset.json objects under s3://%s/%s", l.bucket, l.prefix)
	}
	return docs, nil
}
