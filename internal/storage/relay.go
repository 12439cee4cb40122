package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultThumbnailTemplate = "https://drive.google.com/thumbnail?id=%s&sz=w1000"

// RelayUploader posts files to a hosted script that stores them in a shared
// drive folder.
type RelayUploader struct {
	URL               string
	ThumbnailTemplate string
	HTTPClient        *http.Client
}

type relayUpload struct {
	File     string `json:"file"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
}

type relayDelete struct {
	Action string `json:"action"`
	FileID string `json:"fileId"`
}

type relayReply struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

func (r RelayUploader) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (r RelayUploader) post(ctx context.Context, body any) (relayReply, error) {
	var reply relayReply
	data, err := json.Marshal(body)
	if err != nil {
		return reply, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(data))
	if err != nil {
		return reply, err
	}
	// A simple content type keeps the script endpoint free of preflight requests.
	req.Header.Set("Content-Type", "text/plain;charset=utf-8")
	res, err := r.client().Do(req)
	if err != nil {
		return reply, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return reply, fmt.Errorf("%w: read reply: %v", ErrUnavailable, err)
	}
	if res.StatusCode >= 500 {
		return reply, fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return reply, fmt.Errorf("relay status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return reply, fmt.Errorf("decode relay reply: %w", err)
	}
	return reply, nil
}

func (r RelayUploader) Upload(ctx context.Context, f File) (string, error) {
	if strings.TrimSpace(r.URL) == "" {
		return "", ErrUnconfigured
	}
	reply, err := r.post(ctx, relayUpload{
		File:     base64.StdEncoding.EncodeToString(f.Data),
		Filename: f.Name,
		MimeType: f.MimeType,
	})
	if err != nil {
		return "", err
	}
	if reply.Status != "success" || reply.ID == "" {
		msg := reply.Message
		if msg == "" {
			msg = "Upload failed"
		}
		return "", fmt.Errorf("relay: %s", msg)
	}
	tmpl := r.ThumbnailTemplate
	if tmpl == "" {
		tmpl = defaultThumbnailTemplate
	}
	return fmt.Sprintf(tmpl, reply.ID), nil
}

func (r RelayUploader) Delete(ctx context.Context, url string) (bool, error) {
	if strings.TrimSpace(r.URL) == "" {
		return false, ErrUnconfigured
	}
	id := DriveFileID(url)
	if id == "" {
		return false, nil
	}
	reply, err := r.post(ctx, relayDelete{Action: "delete", FileID: id})
	if err != nil {
		return false, err
	}
	return reply.Status == "success", nil
}

// DriveFileID extracts the file id from a thumbnail (id=) or file (/d/<id>/) link.
func DriveFileID(url string) string {
	if _, rest, ok := strings.Cut(url, "id="); ok {
		id, _, _ := strings.Cut(rest, "&")
		return id
	}
	if _, rest, ok := strings.Cut(url, "/d/"); ok {
		id, _, _ := strings.Cut(rest, "/")
		return id
	}
	return ""
}
