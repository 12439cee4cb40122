package storage

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Fallback inlines files as data URIs when the primary backend is missing
// or unreachable.
type Fallback struct {
	Primary Uploader
	Log     logrus.FieldLogger
}

func (f Fallback) Upload(ctx context.Context, file File) (string, error) {
	if f.Primary == nil {
		return DataURI(file), nil
	}
	url, err := f.Primary.Upload(ctx, file)
	if err == nil {
		return url, nil
	}
	if errors.Is(err, ErrUnconfigured) || errors.Is(err, ErrUnavailable) {
		if f.Log != nil {
			f.Log.WithFields(logrus.Fields{"file": file.Name, "error": err}).Warn("upload backend unavailable, inlining attachment")
		}
		return DataURI(file), nil
	}
	return "", err
}

func (f Fallback) Delete(ctx context.Context, url string) (bool, error) {
	if IsDataURI(url) || f.Primary == nil {
		return false, nil
	}
	return f.Primary.Delete(ctx, url)
}
