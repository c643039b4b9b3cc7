package signals

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// FetchFunc retrieves one ranked list.
type FetchFunc func(ctx context.Context) ([]Entry, error)

// Source is a named ranked list provider.
type Source struct {
	Name  string
	Fetch FetchFunc
}

// StatusCoder is implemented by upstream errors carrying an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// FetcherOptions tune the serial fetch loop.
type FetcherOptions struct {
	Delay       time.Duration
	CallTimeout time.Duration
	Retries     int
	BaseBackoff time.Duration
}

// Fetcher pulls every source in order, isolating failures per source.
type Fetcher struct {
	sources []Source
	opts    FetcherOptions
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewFetcher constructs a Fetcher over sources.
func NewFetcher(sources []Source, opts FetcherOptions, logger zerolog.Logger) *Fetcher {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	return &Fetcher{
		sources: sources,
		opts:    opts,
		logger:  logger.With().Str("component", "signal_fetcher").Logger(),
		sleep:   sleepCtx,
	}
}

// FetchAll returns one list per source plus the per-source errors.
// A failed source maps to an empty list.
func (f *Fetcher) FetchAll(ctx context.Context) (Lists, map[string]error) {
	lists := make(Lists, len(f.sources))
	failures := make(map[string]error)

	for i, src := range f.sources {
		if i > 0 && f.opts.Delay > 0 {
			if err := f.sleep(ctx, f.opts.Delay); err != nil {
				failures[src.Name] = err
				lists[src.Name] = nil
				continue
			}
		}

		entries, err := f.fetchWithRetry(ctx, src)
		if err != nil {
			f.logger.Warn().Err(err).Str("source", src.Name).Msg("ranking source failed; treating as empty")
			failures[src.Name] = err
			lists[src.Name] = nil
			continue
		}
		f.logger.Debug().Str("source", src.Name).Int("entries", len(entries)).Msg("ranking source fetched")
		lists[src.Name] = entries
	}
	return lists, failures
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, src Source) ([]Entry, error) {
	var lastErr error
	for attempt := 0; attempt <= f.opts.Retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
		entries, err := src.Fetch(callCtx)
		cancel()
		if err == nil {
			return entries, nil
		}
		lastErr = err

		if ctx.Err() != nil || !Retryable(err) {
			return nil, err
		}
		if attempt < f.opts.Retries {
			backoff := f.opts.BaseBackoff * time.Duration(attempt+1)
			f.logger.Debug().Err(err).Str("source", src.Name).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying ranking source")
			if err := f.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// Retryable reports whether err is a transient upstream failure: 5xx, 429 or a transport error.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		if code == 0 {
			return true
		}
		return code >= 500 || code == 429
	}
	var perm interface{ Permanent() bool }
	if errors.As(err, &perm) && perm.Permanent() {
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
