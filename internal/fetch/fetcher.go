// Package fetch retrieves bootstrap-produced artifacts (handshake files,
// version manifest) from the entrypoint host. Every download is retried a
// bounded number of times and overwrites the local copy unconditionally, so
// a node can never launch against stale artifacts from a previous cluster
// epoch.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// ArtifactPort is the well-known port the bootstrap host serves its config
// directory on.
const ArtifactPort = 8080

// DefaultAttempts bounds retries per artifact.
const DefaultAttempts = 5

// DefaultDelay is the fixed backoff between attempts.
const DefaultDelay = 2 * time.Second

// ErrNotFound marks an artifact the remote side does not have. Optional
// artifacts (bank hash) treat this as absence, not failure.
var ErrNotFound = fmt.Errorf("artifact not found")

// SyncError reports an artifact download whose retry budget is exhausted.
// It is fatal for the node: there is no partial-join state.
type SyncError struct {
	Artifact string
	Attempts int
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %d attempts exhausted: %v", e.Artifact, e.Attempts, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Fetcher retrieves a named artifact from the entrypoint host.
type Fetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// HTTPFetcher fetches artifacts over plain HTTP from the bootstrap host's
// well-known config endpoint.
type HTTPFetcher struct {
	client  *http.Client
	baseURL string
}

// NewHTTPFetcher creates a fetcher for the given base URL, typically
// http://<entrypoint>:8080.
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
	}
}

// Fetch downloads one artifact. A 404 is reported as ErrNotFound so callers
// can distinguish absence from failure.
func (f *HTTPFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/"+name, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("get %s: status %d", name, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// Syncer downloads artifacts into a local directory with bounded retries.
type Syncer struct {
	logger   zerolog.Logger
	fetcher  Fetcher
	dir      string
	attempts int
	delay    time.Duration
}

// SyncerOption customizes a Syncer.
type SyncerOption func(*Syncer)

// WithAttempts overrides the per-artifact retry budget.
func WithAttempts(n int) SyncerOption {
	return func(s *Syncer) { s.attempts = n }
}

// WithDelay overrides the fixed backoff between attempts.
func WithDelay(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.delay = d }
}

// NewSyncer creates a Syncer writing into dir.
func NewSyncer(logger zerolog.Logger, fetcher Fetcher, dir string, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		logger:   logger.With().Str("component", "artifact-syncer").Logger(),
		fetcher:  fetcher,
		dir:      dir,
		attempts: DefaultAttempts,
		delay:    DefaultDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.attempts < 1 {
		// every artifact gets at least one fetch
		s.attempts = 1
	}
	return s
}

// Sync downloads one artifact and overwrites the local copy. Exhausting the
// retry budget is a fatal SyncError.
func (s *Syncer) Sync(ctx context.Context, name string) error {
	data, err := s.fetch(ctx, name)
	if err != nil {
		return err
	}
	return s.write(name, data)
}

// SyncOptional downloads an artifact the remote side may not have. When the
// remote reports absence, any stale local copy is removed so it can never
// be mistaken for current state. Found reports whether the artifact exists.
func (s *Syncer) SyncOptional(ctx context.Context, name string) (found bool, err error) {
	data, err := s.fetch(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			local := filepath.Join(s.dir, name)
			if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
				return false, fmt.Errorf("remove stale %s: %w", name, err)
			}
			s.logger.Debug().Str("artifact", name).Msg("optional artifact absent upstream")
			return false, nil
		}
		return false, err
	}
	return true, s.write(name, data)
}

func (s *Syncer) fetch(ctx context.Context, name string) ([]byte, error) {
	backoff := retry.WithMaxRetries(uint64(s.attempts-1), retry.NewConstant(s.delay))

	var data []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var ferr error
		data, ferr = s.fetcher.Fetch(ctx, name)
		if ferr == nil {
			return nil
		}
		if errors.Is(ferr, ErrNotFound) {
			// absence is stable, retrying cannot help
			return ferr
		}
		s.logger.Warn().Err(ferr).Str("artifact", name).Msg("artifact fetch failed, retrying")
		return retry.RetryableError(ferr)
	})
	if err != nil {
		return nil, &SyncError{Artifact: name, Attempts: s.attempts, Err: err}
	}
	return data, nil
}

// write replaces the local artifact atomically via rename, so a reader
// never observes a half-written file.
func (s *Syncer) write(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}
