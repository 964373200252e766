// Package attach relocates Jira attachments into object storage.
// Attachment URLs in Jira require authentication, so mirrored issues
// would show broken links; re-hosting the bytes gives both trackers a
// URL anyone on the team can open.
package attach

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Downloader fetches attachment bytes from the source tracker. The Jira
// client implements it.
type Downloader interface {
	DownloadAttachment(ctx context.Context, contentURL string) ([]byte, string, error)
}

type Relocator struct {
	client *minio.Client
	bucket string
	dl     Downloader
}

func NewRelocator(endpoint, accessKey, secretKey, bucket string, useSSL bool, dl Downloader) (*Relocator, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage client: %w", err)
	}
	return &Relocator{client: client, bucket: bucket, dl: dl}, nil
}

// EnsureBucket creates the target bucket if it does not exist yet.
func (r *Relocator) EnsureBucket(ctx context.Context) error {
	exists, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", r.bucket, err)
	}
	if exists {
		return nil
	}
	if err := r.client.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", r.bucket, err)
	}
	return nil
}

// Resolve downloads an attachment and re-uploads it under objectName,
// returning the public URL. Any failure logs and reports a miss so the
// caller degrades to a placeholder instead of blocking the sync.
func (r *Relocator) Resolve(ctx context.Context, objectName, contentURL string) (string, bool) {
	data, contentType, err := r.dl.DownloadAttachment(ctx, contentURL)
	if err != nil {
		log.Printf("attach: download %s: %v", objectName, err)
		return "", false
	}
	_, err = r.client.PutObject(ctx, r.bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		log.Printf("attach: upload %s: %v", objectName, err)
		return "", false
	}
	return r.objectURL(objectName), true
}

func (r *Relocator) objectURL(objectName string) string {
	segments := strings.Split(objectName, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return r.client.EndpointURL().String() + "/" + r.bucket + "/" + strings.Join(segments, "/")
}
