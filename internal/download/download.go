// Package download fetches model files over HTTP into a local directory.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBaseURL is the Hugging Face hub.
const DefaultBaseURL = "https://huggingface.co"

// ErrBadReference is returned for a model reference that is not <repo>:<file>.
var ErrBadReference = errors.New("model reference must be <repo>:<file>")

// Reference names a file inside a Hugging Face repository.
type Reference struct {
	Repo string
	File string
}

// ParseReference splits "<owner>/<repo>:<file>". The file name must not
// contain path separators.
func ParseReference(ref string) (Reference, error) {
	repo, file, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok || repo == "" || file == "" {
		return Reference{}, fmt.Errorf("download: %q: %w", ref, ErrBadReference)
	}
	if file != filepath.Base(file) || file == "." || file == ".." {
		return Reference{}, fmt.Errorf("download: %q: file must be a plain name: %w", ref, ErrBadReference)
	}
	return Reference{Repo: repo, File: file}, nil
}

func (r Reference) String() string { return r.Repo + ":" + r.File }

// URL returns the resolve URL of the file on the main branch.
func (r Reference) URL(baseURL string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return fmt.Sprintf("%s/%s/resolve/main/%s", strings.TrimRight(baseURL, "/"), r.Repo, r.File)
}

// ProgressFunc receives the number of bytes written so far and the announced
// total, which is -1 when the server sent no content length.
type ProgressFunc func(downloaded, total int64)

// Downloader fetches references into a directory.
type Downloader struct {
	BaseURL string
	Client  *http.Client

	// Interval throttles progress callbacks; the final callback is always
	// delivered.
	Interval time.Duration
}

// New returns a downloader against the Hugging Face hub.
func New() *Downloader {
	return &Downloader{
		BaseURL:  DefaultBaseURL,
		Client:   &http.Client{},
		Interval: 250 * time.Millisecond,
	}
}

// Fetch downloads ref into dir and returns the final path. Data is written to
// "<file>.part" and renamed into place once complete, so a cancelled download
// never leaves a truncated model behind.
func (d *Downloader) Fetch(ctx context.Context, ref Reference, dir string, progress ProgressFunc) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("download: create %s: %w", dir, err)
	}
	target := filepath.Join(dir, ref.File)
	url := ref.URL(d.BaseURL)
	log.Printf("download: fetching %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("download: build request: %w", err)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: %s: server returned %s", ref, resp.Status)
	}

	part := target + ".part"
	f, err := os.Create(part)
	if err != nil {
		return "", fmt.Errorf("download: create %s: %w", part, err)
	}
	pw := &progressWriter{total: resp.ContentLength, fn: progress, interval: d.Interval}
	_, copyErr := io.Copy(io.MultiWriter(f, pw), resp.Body)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(part)
		return "", fmt.Errorf("download: %s: %w", ref, copyErr)
	}
	if resp.ContentLength >= 0 && pw.written != resp.ContentLength {
		os.Remove(part)
		return "", fmt.Errorf("download: %s: short body, got %d of %d bytes", ref, pw.written, resp.ContentLength)
	}
	pw.flush()

	if err := os.Rename(part, target); err != nil {
		os.Remove(part)
		return "", fmt.Errorf("download: finalize %s: %w", target, err)
	}
	log.Printf("download: saved %s (%d bytes)", target, pw.written)
	return target, nil
}

type progressWriter struct {
	total    int64
	written  int64
	fn       ProgressFunc
	interval time.Duration
	last     time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.fn != nil && time.Since(p.last) >= p.interval {
		p.last = time.Now()
		p.fn(p.written, p.total)
	}
	return len(b), nil
}

func (p *progressWriter) flush() {
	if p.fn != nil {
		p.fn(p.written, p.total)
	}
}
