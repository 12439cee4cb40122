package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

var (
	ErrUnconfigured = errors.New("storage not configured")
	// ErrUnavailable means the backend could not be reached.
	ErrUnavailable = errors.New("storage unavailable")
)

// File is an attachment picked for upload.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Uploader stores attachment bytes and returns a URL to render them.
type Uploader interface {
	Upload(ctx context.Context, f File) (string, error)
	// Delete reclaims the object behind url. false means nothing was removed.
	Delete(ctx context.Context, url string) (bool, error)
}

// UploadError reports one file of a batch that could not be stored.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s failed: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Result pairs a file with its URL or its UploadError.
type Result struct {
	File File
	URL  string
	Err  error
}

// UploadAll uploads files concurrently and returns results in input order.
// One failure does not stop the others.
func UploadAll(ctx context.Context, u Uploader, files []File, parallelism int) []Result {
	results := make([]Result, len(files))
	if parallelism <= 0 {
		parallelism = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, f := range files {
		g.Go(func() error {
			url, err := u.Upload(gctx, f)
			if err != nil {
				results[i] = Result{File: f, Err: &UploadError{Name: f.Name, Err: err}}
				return nil
			}
			results[i] = Result{File: f, URL: url}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DataURI inlines f as a data: URL.
func DataURI(f File) string {
	mime := f.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

func IsDataURI(url string) bool {
	return strings.HasPrefix(url, "data:")
}
