package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mosich/moonchat/internal/cache"
)

const (
	defaultUploadTimeout = 60 * time.Second

	// defaultResetTTL is the re-fetch window the provider grants a
	// server-side cache registration.
	defaultResetTTL = 300 * time.Second

	maxConcurrentUploads = 4
)

// Uploader ingests files through the provider's file-extract API: each file
// is uploaded with purpose "file-extract" and its extracted text fetched
// back. When a tag is supplied the extracted messages are registered with the
// provider-side cache instead, and a single RoleCache marker is returned so
// sessions carry an opaque handle rather than the full content.
type Uploader struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	resetTTL   time.Duration
	logger     *slog.Logger
}

// NewUploader creates an Uploader against the given API base URL.
func NewUploader(baseURL, apiKey, model string) *Uploader {
	return &Uploader{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: defaultUploadTimeout},
		resetTTL:   defaultResetTTL,
		logger:     slog.Default(),
	}
}

// Ingest uploads every file concurrently and returns one system-role message
// per file, in input order. With a non-empty tag the content is registered
// with the provider-side cache and a single marker message is returned.
func (u *Uploader) Ingest(ctx context.Context, paths []string, tag string) ([]cache.Message, error) {
	msgs := make([]cache.Message, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUploads)
	for i, path := range paths {
		g.Go(func() error {
			text, err := u.extractRemote(gctx, path)
			if err != nil {
				return err
			}
			msgs[i] = cache.Message{Role: cache.RoleSystem, Content: text}
			u.logger.Info("uploaded file for extraction", "path", path, "bytes", len(text))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if tag == "" {
		return msgs, nil
	}

	if err := u.registerCache(ctx, msgs, tag); err != nil {
		return nil, err
	}
	u.logger.Info("registered provider-side cache", "tag", tag, "ttl", u.resetTTL)

	expires := time.Now().Add(u.resetTTL)
	return []cache.Message{{
		Role:      cache.RoleCache,
		Content:   fmt.Sprintf("tag=%s;reset_ttl=%d", tag, int(u.resetTTL.Seconds())),
		ExpiredAt: &expires,
	}}, nil
}

// extractRemote uploads one file and fetches its extracted text.
func (u *Uploader) extractRemote(ctx context.Context, path string) (string, error) {
	fileID, err := u.uploadFile(ctx, path)
	if err != nil {
		return "", err
	}
	return u.fileContent(ctx, fileID)
}

func (u *Uploader) uploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copying %s into upload: %w", path, err)
	}
	if err := mw.WriteField("purpose", "file-extract"); err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalizing upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/files", &body)
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+u.apiKey)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("uploading %s: unexpected status %d: %s", path, resp.StatusCode, string(respBody))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("uploading %s: empty file id in response", path)
	}
	return result.ID, nil
}

func (u *Uploader) fileContent(ctx context.Context, fileID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+"/files/"+fileID+"/content", nil)
	if err != nil {
		return "", fmt.Errorf("creating content request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+u.apiKey)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching content for %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("fetching content for %s: unexpected status %d: %s", fileID, resp.StatusCode, string(respBody))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading content for %s: %w", fileID, err)
	}
	return string(data), nil
}

type cacheRegistration struct {
	Model    string          `json:"model"`
	Messages []cache.Message `json:"messages"`
	TTL      int             `json:"ttl"`
	Tags     []string        `json:"tags"`
}

func (u *Uploader) registerCache(ctx context.Context, msgs []cache.Message, tag string) error {
	payload, err := json.Marshal(cacheRegistration{
		Model:    u.model,
		Messages: msgs,
		TTL:      int(u.resetTTL.Seconds()),
		Tags:     []string{tag},
	})
	if err != nil {
		return fmt.Errorf("encoding cache registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/caching", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating cache registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.apiKey)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registering cache tag %q: %w", tag, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registering cache tag %q: unexpected status %d: %s", tag, resp.StatusCode, string(respBody))
	}
	return nil
}
