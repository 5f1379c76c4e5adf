package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
)

// maxUploadBytes caps attachment size client-side before any network call.
const maxUploadBytes = 50 * 1024 * 1024

// UploadResult is the durable public URL for an uploaded attachment.
type UploadResult struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
}

// Upload stores attachment bytes and returns a durable URL to embed in a
// message payload.
func (c *Client) Upload(ctx context.Context, fileName string, data []byte) (*UploadResult, error) {
	if fileName == "" {
		return nil, &ValidationError{Field: "file_name", Detail: "required"}
	}
	if int64(len(data)) > maxUploadBytes {
		return nil, &ValidationError{Field: "file", Detail: "exceeds maximum size of 50 MB"}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write upload form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/storage/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "upload " + fileName, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, c.mapStatus(resp, "/storage/upload")
	}

	var out UploadResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &out, nil
}

// GuessMimeType maps a file name to its MIME type, with a binary fallback.
func GuessMimeType(fileName string) string {
	if t := mime.TypeByExtension(filepath.Ext(fileName)); t != "" {
		return t
	}
	return "application/octet-stream"
}
