package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

const (
	defaultMediaMaxBytes = 16 << 20 // 16 MB
	defaultCacheSize     = 64
	defaultCacheTTL      = 10 * time.Minute
	mediaFetchTimeout    = 60 * time.Second
)

// MediaConfig configures media downloads.
type MediaConfig struct {
	MaxBytes  int64
	CacheSize int
	CacheTTL  time.Duration
}

type media struct {
	data     []byte
	mimeType string
	fileName string
}

// MediaFetcher downloads media referenced by URL, caching recent downloads so
// the same attachment sent to many recipients is fetched once.
type MediaFetcher struct {
	http     *http.Client
	maxBytes int64
	cache    *expirable.LRU[string, media]
}

// NewMediaFetcher creates a fetcher. Zero config values use defaults.
func NewMediaFetcher(cfg MediaConfig) *MediaFetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMediaMaxBytes
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &MediaFetcher{
		http:     &http.Client{Timeout: mediaFetchTimeout},
		maxBytes: cfg.MaxBytes,
		cache:    expirable.NewLRU[string, media](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Fetch returns the bytes and mime type of rawURL.
func (f *MediaFetcher) Fetch(ctx context.Context, rawURL string) (media, error) {
	if m, ok := f.cache.Get(rawURL); ok {
		return m, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return media{}, protocol.Errorf(protocol.ErrInvalidArgument, "mediaUrl must be an absolute http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return media{}, protocol.Errorf(protocol.ErrInvalidArgument, "invalid mediaUrl: %s", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return media{}, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return media{}, fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return media{}, protocol.Errorf(protocol.ErrInvalidArgument, "media too large: %d bytes (max %d)", resp.ContentLength, f.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return media{}, fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return media{}, protocol.Errorf(protocol.ErrInvalidArgument, "media too large (max %d bytes)", f.maxBytes)
	}

	m := media{
		data:     data,
		mimeType: detectMime(resp.Header.Get("Content-Type"), data),
		fileName: fileNameFromURL(u),
	}
	f.cache.Add(rawURL, m)
	slog.Debug("media fetched", "url", u.Redacted(), "bytes", len(data), "mime", m.mimeType)
	return m, nil
}

func detectMime(header string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

func fileNameFromURL(u *url.URL) string {
	p := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	if p == "" {
		return "file"
	}
	return p
}
