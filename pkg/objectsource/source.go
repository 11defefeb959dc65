// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package objectsource

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"diamond.io/diamond/internal/sync2"
)

// maxInFlightScopeFetches bounds how many scope manifest URLs are
// fetched concurrently (spec.md §4.C: "no more than a small fixed
// number of in-flight scope fetches").
const maxInFlightScopeFetches = 4

// MaxConcurrentObjectFetches bounds concurrent object body fetches
// (spec.md §4.C: "no more than ~64 concurrent object fetches").
const MaxConcurrentObjectFetches = 64

// queueDepth is the bound on the channel of discovered object
// references awaiting a Next call.
const queueDepth = 256

// HTTPClient is the subset of *http.Client a Source needs; tests
// substitute their own implementation.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Source is one running search's object-reference stream: it fetches
// every scope URL's manifest and yields the object references it
// names, in discovery order, until the scope is exhausted.
type Source struct {
	log    *zap.Logger
	client HTTPClient

	scopeLimiter  *sync2.Limiter
	objectLimiter *sync2.Limiter

	queue  chan ObjectRef
	wg     sync.WaitGroup
	cancel context.CancelFunc

	totalAdjust int64 // atomic
	closeOnce   sync.Once
}

// New creates a Source that fetches through client (http.DefaultClient
// if nil); the scope manifest URLs are passed to Start.
func New(log *zap.Logger, client HTTPClient) *Source {
	if client == nil {
		client = http.DefaultClient
	}
	return &Source{
		log:           log,
		client:        client,
		scopeLimiter:  sync2.NewLimiter(maxInFlightScopeFetches),
		objectLimiter: sync2.NewLimiter(MaxConcurrentObjectFetches),
		queue:         make(chan ObjectRef, queueDepth),
	}
}

// Start begins fetching every scope URL's manifest in the background.
// ctx governs the fetch; cancelling it (or calling
// Stop) ends the stream early. Start must be called at most once.
func (s *Source) Start(ctx context.Context, scopeURLs []string) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	var producers sync.WaitGroup
	for _, raw := range scopeURLs {
		raw := raw
		producers.Add(1)
		started := s.scopeLimiter.Go(ctx, func() {
			defer producers.Done()
			if err := s.fetchOne(ctx, raw); err != nil && s.log != nil {
				s.log.Warn("scope manifest fetch failed", zap.String("url", raw), zap.Error(err))
			}
		})
		if !started {
			producers.Done()
		}
	}

	go func() {
		producers.Wait()
		s.scopeLimiter.Wait()
		close(s.queue)
	}()
}

func (s *Source) fetchOne(ctx context.Context, rawURL string) error {
	base, err := url.Parse(rawURL)
	if err != nil {
		return Error.New("invalid scope url %q: %v", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Error.New("scope fetch %s: status %d", rawURL, resp.StatusCode)
	}

	return parseManifest(io.LimitReader(resp.Body, 64<<20), base, func(entry manifestEntry) error {
		if entry.hasAdjust {
			atomic.AddInt64(&s.totalAdjust, entry.countAdjust)
			return nil
		}
		select {
		case s.queue <- *entry.ref:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Next blocks until an object reference is available, the scope is
// exhausted, or ctx is cancelled. ok is false once the scope has been
// fully drained, and on every call after that (spec.md §4.C "yields
// empty").
func (s *Source) Next(ctx context.Context) (ref ObjectRef, ok bool, err error) {
	select {
	case ref, open := <-s.queue:
		return ref, open, nil
	case <-ctx.Done():
		return ObjectRef{}, false, ctx.Err()
	}
}

// TotalAdjust returns the cumulative count-adjust total seen so far,
// for progress reporting only (spec.md §4.C).
func (s *Source) TotalAdjust() int64 {
	return atomic.LoadInt64(&s.totalAdjust)
}

// Stop cancels any pending scope fetches. The consumer of Next
// observes end-of-stream once the drain completes (spec.md §4.C).
func (s *Source) Stop() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// FetchBody retrieves an object's body, subject to the
// MaxConcurrentObjectFetches bound.
func (s *Source) FetchBody(ctx context.Context, ref ObjectRef) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)

	started := s.objectLimiter.Go(ctx, func() {
		body, err := s.fetchBody(ctx, ref)
		done <- result{body: body, err: err}
	})
	if !started {
		return nil, ctx.Err()
	}

	select {
	case r := <-done:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Source) fetchBody(ctx context.Context, ref ObjectRef) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, Error.New("object fetch %s: status %d", ref.URL, resp.StatusCode)
	}
	return ioutil.ReadAll(io.LimitReader(resp.Body, 256<<20))
}
