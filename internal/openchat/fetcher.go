package openchat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/net/html"

	"github.com/web-tech-tw/freya-go/internal/appctx"
	"github.com/web-tech-tw/freya-go/internal/cache"
	"github.com/web-tech-tw/freya-go/internal/metrics"
)

const pageKeyPrefix = "openchat:page:"

// BodyGetter performs the outbound GET. *httpclient.Client satisfies it.
type BodyGetter interface {
	GetBody(ctx context.Context, url string) ([]byte, error)
}

// Fetcher memoizes ticket page bodies by URL. A hit is served without any
// network access; callers ask for a refresh when they need live content.
type Fetcher struct {
	client  BodyGetter
	cache   cache.Cache
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewFetcher creates a fetcher. ttl bounds how long an unrefreshed page is kept.
func NewFetcher(client BodyGetter, c cache.Cache, ttl time.Duration, m *metrics.Metrics) *Fetcher {
	if ttl <= 0 {
		ttl = cache.TTLPage
	}
	return &Fetcher{client: client, cache: c, ttl: ttl, metrics: m}
}

// Fetch returns the parsed document for pageURL. On a miss or when
// forceRefresh is set the page is downloaded and the cached copy replaced.
// Any network or parse failure is returned wrapped in ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string, forceRefresh bool) (*html.Node, error) {
	log := appctx.GetLogger(ctx)
	key := pageKeyPrefix + pageURL

	if !forceRefresh {
		body, err := f.cache.Get(ctx, key)
		switch {
		case err == nil:
			doc, perr := html.Parse(bytes.NewReader(body))
			if perr == nil {
				f.metrics.PageFetch("hit")
				return doc, nil
			}
			// unreadable entry, fall through to a fresh download
			log.Warn("discarding unparseable cached page", "url", pageURL, "error", perr)
		case !cache.IsMiss(err):
			log.Warn("page cache read failed", "url", pageURL, "error", err)
		}
	}

	result := "miss"
	if forceRefresh {
		result = "refresh"
	}

	body, err := f.client.GetBody(ctx, pageURL)
	if err != nil {
		f.metrics.PageFetch("error")
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		f.metrics.PageFetch("error")
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	if err := f.cache.Set(ctx, key, body, f.ttl); err != nil {
		// the caller still gets the fresh document
		log.Warn("page cache write failed", "url", pageURL, "error", err)
	}
	f.metrics.PageFetch(result)
	log.Log(ctx, slog.LevelDebug, "fetched ticket page", "url", pageURL, "bytes", len(body), "forced", forceRefresh)
	return doc, nil
}

// Forget drops the cached copy of pageURL.
func (f *Fetcher) Forget(ctx context.Context, pageURL string) error {
	err := f.cache.Delete(ctx, pageKeyPrefix+pageURL)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	return nil
}
