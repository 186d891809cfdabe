package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultReaderURL is the reader proxy that renders pages to plain text.
const DefaultReaderURL = "https://r.jina.ai"

// ContextRetriever selects the passages of local documents most relevant to
// a query.
type ContextRetriever interface {
	RetrieveContext(ctx context.Context, query string, paths []string, segmentSize, topN int) (string, error)
}

// WebPageOptions configures the web page reader.
type WebPageOptions struct {
	// ReaderURL is prefixed to the page URL. Empty fetches pages directly.
	ReaderURL string
	Timeout   time.Duration
	// RatePerMinute bounds outbound fetches; 0 disables the limit.
	RatePerMinute int
	MaxBytes      int64
	SegmentSize   int
	TopN          int
	// TempDir holds the fetched page while it is ranked.
	TempDir string
	Client  *http.Client
}

// WebPage fetches a page and returns the passages relevant to a query.
type WebPage struct {
	retriever ContextRetriever
	opts      WebPageOptions
	client    *http.Client
	limiter   *rate.Limiter
	converter *md.Converter
}

// NewWebPage returns the analyze_web_page function.
func NewWebPage(retriever ContextRetriever, opts WebPageOptions) *WebPage {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 4 << 20
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = 256
	}
	if opts.TopN <= 0 {
		opts.TopN = 3
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	w := &WebPage{
		retriever: retriever,
		opts:      opts,
		client:    client,
		converter: md.NewConverter("", true, nil),
	}
	if opts.RatePerMinute > 0 {
		w.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 1)
	}
	return w
}

func (w *WebPage) Definition() Definition {
	return Definition{
		Name:        "analyze_web_page",
		Description: "Reads a web page and returns the passages most relevant to a query.",
		Parameters: []Param{
			{Name: "url", Type: "string", Description: "Address of the web page to analyze.", Required: true},
			{Name: "query", Type: "string", Description: "Text to search the page for.", Required: true},
		},
	}
}

type webPageArgs struct {
	URL   string `json:"url"`
	Query string `json:"query"`
}

func (w *WebPage) Call(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args webPageArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args.URL == "" {
		return nil, errors.New("missing parameter 'url'")
	}
	if args.Query == "" {
		return nil, errors.New("missing parameter 'query'")
	}
	u, err := url.Parse(args.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", args.URL)
	}
	if w.retriever == nil {
		return nil, errors.New("no retriever configured")
	}

	text, err := w.fetch(ctx, u.String())
	if err != nil {
		return nil, err
	}

	path := filepath.Join(w.opts.TempDir, fmt.Sprintf("page_%s.txt", uuid.NewString()))
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		return nil, fmt.Errorf("write page: %w", err)
	}
	defer os.Remove(path)

	relevant, err := w.retriever.RetrieveContext(ctx, args.Query, []string{path}, w.opts.SegmentSize, w.opts.TopN)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}
	return json.Marshal(map[string]string{"relevant_text": relevant})
}

func (w *WebPage) fetch(ctx context.Context, page string) (string, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	target := page
	if w.opts.ReaderURL != "" {
		target = strings.TrimRight(w.opts.ReaderURL, "/") + "/" + page
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Retain-Images", "none")

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("fetch %s: status %d", page, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, w.opts.MaxBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", page, err)
	}
	log.Printf("functions: fetched %s (%d bytes) in %s", page, len(body), time.Since(start).Round(time.Millisecond))

	if isHTML(resp.Header.Get("Content-Type"), body) {
		return w.htmlToText(string(body))
	}
	return string(body), nil
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "html") {
		return true
	}
	head := strings.ToLower(strings.TrimSpace(string(body[:min(len(body), 512)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// htmlToText strips non-content elements and renders the rest as markdown.
func (w *WebPage) htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, nav, header, footer, iframe, svg, form").Remove()

	sel := doc.Find("body")
	if sel.Length() == 0 {
		sel = doc.Selection
	}
	return strings.TrimSpace(w.converter.Convert(sel)), nil
}
