// Package fetch resolves job payloads into document text. URL jobs are
// fetched over HTTP with readability extraction for HTML pages; file jobs
// read the uploaded blob from the spool directory.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"

	"github.com/ragline/ragline/internal/errors"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/queue"
)

// FetchTimeout bounds one URL fetch end to end.
const FetchTimeout = 60 * time.Second

// MaxFetchBytes caps a remote document body.
const MaxFetchBytes = 20 << 20

const userAgent = "ragline/1.0 (+https://github.com/ragline/ragline)"

// Fetcher implements pipeline.Fetcher over HTTP and the upload spool.
type Fetcher struct {
	client    *http.Client
	uploadDir string
	log       *slog.Logger
}

// New builds a fetcher. uploadDir is where the server spools file uploads.
func New(uploadDir string, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		client:    &http.Client{Timeout: FetchTimeout},
		uploadDir: uploadDir,
		log:       log,
	}
}

// Fetch resolves one job payload into document content.
func (f *Fetcher) Fetch(ctx context.Context, job *queue.Job) (*pipeline.Content, error) {
	switch job.Type {
	case queue.JobTypeURL:
		return f.fetchURL(ctx, job.Payload.URL)
	case queue.JobTypeFile:
		return f.readUpload(job.Payload)
	default:
		return nil, errors.Newf(errors.KindInvalidInput, "unknown job type %q", job.Type)
	}
}

func (f *Fetcher) fetchURL(ctx context.Context, rawURL string) (*pipeline.Content, error) {
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, errors.Newf(errors.KindInvalidInput, "invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidInput, "build request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html, text/plain, text/markdown, application/json;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindCancelled, "fetch aborted", ctx.Err())
		}
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "fetch "+target.Host, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, target.String()); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBytes))
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "read body", err)
	}

	mediaType := mediaTypeOf(resp.Header.Get("Content-Type"), body)
	switch {
	case strings.Contains(mediaType, "html"):
		return f.extractHTML(target, body)
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		mediaType == "application/xml":
		return &pipeline.Content{
			Title: titleFromURL(target),
			Text:  string(body),
			URL:   target.String(),
		}, nil
	default:
		return nil, errors.Newf(errors.KindInvalidInput,
			"unsupported content type %q from %s", mediaType, target.Host)
	}
}

// extractHTML runs readability over the page and converts the extracted
// article to markdown so the structural chunker sees headings.
func (f *Fetcher) extractHTML(target *url.URL, body []byte) (*pipeline.Content, error) {
	article, err := readability.FromReader(strings.NewReader(string(body)), target)
	if err != nil {
		// Readability failing on odd markup is not fatal; fall back to
		// converting the raw page.
		f.log.Warn("readability extraction failed, converting raw page",
			slog.String("url", target.String()),
			slog.String("error", err.Error()))
		markdown, convErr := htmltomarkdown.ConvertString(string(body))
		if convErr != nil {
			return nil, errors.Wrap(errors.KindInvalidInput, "convert html", convErr)
		}
		return &pipeline.Content{
			Title: titleFromURL(target),
			Text:  markdown,
			URL:   target.String(),
		}, nil
	}

	markdown, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil {
		markdown = article.TextContent
	}
	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = titleFromURL(target)
	}
	return &pipeline.Content{
		Title: title,
		Text:  markdown,
		URL:   target.String(),
	}, nil
}

// readUpload loads a spooled file upload referenced by the payload.
func (f *Fetcher) readUpload(payload queue.Payload) (*pipeline.Content, error) {
	if payload.BytesRef == "" {
		return nil, errors.InvalidInput("file job has no upload reference")
	}
	// The ref must stay inside the spool directory.
	path := filepath.Join(f.uploadDir, filepath.Base(payload.BytesRef))
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.KindNotFound, "upload %s not found", payload.BytesRef)
		}
		return nil, errors.Wrap(errors.KindInternal, "read upload", err)
	}

	name := payload.Filename
	if name == "" {
		name = payload.BytesRef
	}
	text := string(body)
	if isHTMLUpload(payload.Mime, name) {
		if markdown, err := htmltomarkdown.ConvertString(text); err == nil {
			text = markdown
		}
	}
	return &pipeline.Content{
		Title: name,
		Text:  text,
	}, nil
}

func isHTMLUpload(mimeType, name string) bool {
	if strings.Contains(mimeType, "html") {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".html" || ext == ".htm"
}

func classifyStatus(status int, target string) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Newf(errors.KindAuthRequired, "fetch %s: status %d", target, status)
	case status == http.StatusNotFound || status == http.StatusGone:
		return errors.Newf(errors.KindNotFound, "fetch %s: status %d", target, status)
	case status == http.StatusTooManyRequests:
		return errors.Newf(errors.KindRateLimited, "fetch %s: status %d", target, status)
	case status >= 500:
		return errors.Newf(errors.KindUpstreamUnavailable, "fetch %s: status %d", target, status)
	default:
		return errors.Newf(errors.KindInvalidInput, "fetch %s: status %d", target, status)
	}
}

func mediaTypeOf(header string, body []byte) string {
	if header != "" {
		if mediaType, _, err := mime.ParseMediaType(header); err == nil {
			return mediaType
		}
	}
	return http.DetectContentType(body)
}

func titleFromURL(u *url.URL) string {
	base := filepath.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return u.Host
	}
	return base
}

// String identifies the fetcher in logs.
func (f *Fetcher) String() string {
	return fmt.Sprintf("fetch(upload_dir=%s)", f.uploadDir)
}
