// Package blob archives uploaded catalog files in S3-compatible storage.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Archive stores uploads under uploads/<user>/<pid>/.
type Archive struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	a := &Archive{client: client, bucket: cfg.Bucket, now: time.Now}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Printf("blob: created bucket %s", cfg.Bucket)
	}
	return a, nil
}

// Put stores an uploaded file and returns its key.
func (a *Archive) Put(ctx context.Context, userID, pidID, filename string, data []byte) (string, error) {
	key := ObjectKey(userID, pidID, filename, a.now())
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// List returns the archived uploads of a PID, oldest first.
func (a *Archive) List(ctx context.Context, userID, pidID string) ([]Object, error) {
	var out []Object
	for info := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    Prefix(userID, pidID),
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list uploads: %w", info.Err)
		}
		out = append(out, Object{Key: info.Key, Size: info.Size, LastModified: info.LastModified})
	}
	return out, nil
}

// Get reads an archived upload. The key must belong to the given user and PID.
func (a *Archive) Get(ctx context.Context, userID, pidID, key string) ([]byte, error) {
	if !strings.HasPrefix(key, Prefix(userID, pidID)) {
		return nil, fmt.Errorf("key %q outside of pid archive", key)
	}
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func Prefix(userID, pidID string) string {
	return path.Join("uploads", userID, pidID) + "/"
}

// ObjectKey builds uploads/<user>/<pid>/<timestamp>-<slug>.csv.
func ObjectKey(userID, pidID, filename string, at time.Time) string {
	base := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	name := slug.Make(base)
	if name == "" {
		name = "upload"
	}
	return Prefix(userID, pidID) + at.UTC().Format("20060102T150405Z") + "-" + name + ".csv"
}
