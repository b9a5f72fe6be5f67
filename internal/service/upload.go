package service

import (
	a "bitwise74/channel-api/aws"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

const minMultipartSize = 12 << 20

var ErrUnsupportedAsset = errors.New("unsupported asset type")

// AssetUploader moves a local file to permanent storage and returns its
// public URL. The local file is gone once Upload returns, whatever the outcome.
// Delete removes an object previously returned by Upload.
type AssetUploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
	Delete(ctx context.Context, url string) error
}

type Uploader struct {
	S3        *a.S3Client
	PublicURL string
}

func NewUploader(s *a.S3Client, publicURL string) *Uploader {
	return &Uploader{
		S3:        s,
		PublicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Upload sniffs the file's type, only images are accepted, and puts it into the
// bucket under a random key.
func (u *Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	defer os.Remove(localPath)

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open asset, %w", err)
	}
	defer f.Close()

	mime, err := mimetype.DetectReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to detect asset type, %w", err)
	}

	if !strings.HasPrefix(mime.String(), "image/") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAsset, mime.String())
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind asset, %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat asset, %w", err)
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate object key, %w", err)
	}
	key := id + mime.Extension()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	objectInput := &s3.PutObjectInput{
		Bucket:        u.S3.Bucket,
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(mime.String()),
		CacheControl:  aws.String("public, max-age=31536000, immutable"),
	}

	if stat.Size() > minMultipartSize {
		uploader := manager.NewUploader(u.S3.C, func(u *manager.Uploader) {
			u.Concurrency = 5
			u.PartSize = 6 << 20
		})

		_, err = uploader.Upload(ctx, objectInput)
	} else {
		_, err = u.S3.C.PutObject(ctx, objectInput)
	}
	if err != nil {
		return "", fmt.Errorf("failed to upload asset, %w", err)
	}

	zap.L().Debug("Uploaded asset", zap.String("key", key), zap.Int64("size", stat.Size()))

	return u.PublicURL + "/" + key, nil
}

// Delete removes the object behind a URL returned by Upload. URLs that don't
// point into the bucket are rejected.
func (u *Uploader) Delete(ctx context.Context, url string) error {
	key, ok := strings.CutPrefix(url, u.PublicURL+"/")
	if !ok || key == "" || strings.Contains(key, "/") {
		return fmt.Errorf("%s is not an uploaded asset", url)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	_, err := u.S3.C.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: u.S3.Bucket,
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete asset, %w", err)
	}

	zap.L().Debug("Deleted asset", zap.String("key", key))

	return nil
}
