package nsfw

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// maxArtifactSize bounds a single download.
const maxArtifactSize int64 = 2 << 30

// Artifact is an immutable model binary and its cache key.
type Artifact struct {
	Name string
	Data []byte
}

func (a *Artifact) Size() int {
	return len(a.Data)
}

// Fetcher downloads artifacts. A zero Retries means exactly one attempt and a
// zero MaxSize means maxArtifactSize.
type Fetcher struct {
	Client     *http.Client
	Origin     string
	Retries    int
	RetryDelay time.Duration
	MaxSize    int64
}

func NewFetcher(cfg Config) *Fetcher {
	return &Fetcher{
		Client:     &http.Client{Timeout: cfg.FetchTimeout},
		Origin:     cfg.Origin,
		Retries:    cfg.FetchRetries,
		RetryDelay: cfg.RetryDelay,
	}
}

// Fetch returns the full response body or a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &FetchError{URL: url, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * f.RetryDelay):
			}
		}
		data, err := f.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	if f.Origin != "" {
		req.Header.Set("Origin", f.Origin)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	limit := f.MaxSize
	if limit <= 0 {
		limit = maxArtifactSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	if int64(len(data)) > limit {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("artifact larger than %d bytes", limit)}
	}
	if len(data) == 0 {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("empty body")}
	}
	return data, nil
}

// AcquireReport describes how an artifact was materialised.
type AcquireReport struct {
	CacheHit bool
	Stored   bool
	Duration time.Duration
}

// Acquirer materialises the model artifact: cache first, network second.
type Acquirer struct {
	Cache     *Cache
	Fetcher   *Fetcher
	SkipCache bool
	SHA256    string
	Logger    logrus.FieldLogger
}

// Acquire returns the artifact named name, downloading it from url when the
// cache has no usable copy. Only a failed download is an error.
func (a *Acquirer) Acquire(ctx context.Context, name, url string) (*Artifact, AcquireReport, error) {
	start := time.Now()
	logger := a.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("artifact", name)

	// 1) Prefer cache first (avoid network if possible)
	if a.Cache != nil && !a.SkipCache {
		if data, ok := a.Cache.Read(name); ok {
			logger.Infof("Using cached model (%d bytes)", len(data))
			return &Artifact{Name: name, Data: data}, AcquireReport{CacheHit: true, Duration: time.Since(start)}, nil
		}
	}

	// 2) Download
	logger.Infof("Model not in cache, downloading from %s", url)
	data, err := a.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, AcquireReport{Duration: time.Since(start)}, err
	}
	if a.SHA256 != "" && digest(data) != a.SHA256 {
		return nil, AcquireReport{Duration: time.Since(start)}, &FetchError{URL: url, Err: fmt.Errorf("sha256 mismatch")}
	}

	// 3) Store, best effort
	report := AcquireReport{Duration: time.Since(start)}
	if a.Cache != nil {
		report.Stored = a.Cache.Write(name, data)
	}
	return &Artifact{Name: name, Data: data}, report, nil
}
