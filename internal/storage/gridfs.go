package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrFileNotFound = errors.New("file not found")

// BucketUploader keeps attachments in a GridFS bucket next to the documents.
type BucketUploader struct {
	bucket     *gridfs.Bucket
	publicBase string
}

// NewBucketUploader serves files at <publicBase>/files/<id>.
func NewBucketUploader(db *mongo.Database, name, publicBase string) (*BucketUploader, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(name))
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket: %w", err)
	}
	return &BucketUploader{bucket: bucket, publicBase: strings.TrimRight(publicBase, "/")}, nil
}

func (b *BucketUploader) URL(id string) string {
	return b.publicBase + "/files/" + id
}

func (b *BucketUploader) Upload(ctx context.Context, f File) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := b.bucket.SetWriteDeadline(deadline); err != nil {
			return "", err
		}
	}
	opts := options.GridFSUpload().SetMetadata(bson.M{"contentType": f.MimeType})
	id, err := b.bucket.UploadFromStream(f.Name, bytes.NewReader(f.Data), opts)
	if err != nil {
		return "", classifyBucket(err)
	}
	return b.URL(id.Hex()), nil
}

func (b *BucketUploader) Delete(ctx context.Context, url string) (bool, error) {
	id, ok := BucketFileID(url)
	if !ok {
		return false, nil
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	if err := b.bucket.DeleteContext(ctx, oid); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return false, nil
		}
		return false, classifyBucket(err)
	}
	return true, nil
}

// Object is an open stored file.
type Object struct {
	io.ReadCloser
	Name     string
	MimeType string
	Size     int64
}

// Open streams a stored file by its hex id.
func (b *BucketUploader) Open(ctx context.Context, id string) (Object, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return Object{}, ErrFileNotFound
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := b.bucket.SetReadDeadline(deadline); err != nil {
			return Object{}, err
		}
	}
	stream, err := b.bucket.OpenDownloadStream(oid)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return Object{}, ErrFileNotFound
		}
		return Object{}, classifyBucket(err)
	}
	file := stream.GetFile()
	obj := Object{ReadCloser: stream, Name: file.Name, Size: file.Length, MimeType: "application/octet-stream"}
	if file.Metadata != nil {
		if ct, ok := file.Metadata.Lookup("contentType").StringValueOK(); ok && ct != "" {
			obj.MimeType = ct
		}
	}
	return obj, nil
}

// BucketFileID extracts the id from a URL produced by BucketUploader.
func BucketFileID(url string) (string, bool) {
	idx := strings.LastIndex(url, "/files/")
	if idx < 0 {
		return "", false
	}
	id := url[idx+len("/files/"):]
	id, _, _ = strings.Cut(id, "?")
	return id, id != ""
}

func classifyBucket(err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
