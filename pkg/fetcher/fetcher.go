// Package fetcher pulls candidate proxy lists and their version token
// from the upstream list source.
package fetcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"proxy-pool/pkg/prober"
)

// Options contains the configuration for a Fetcher.
type Options struct {
	// MetaURL returns {"timestamp": <opaque token>}.
	MetaURL string
	// HTTPListURL and HTTPSListURL are plain-text lists, one address
	// per line, #-prefixed lines ignored.
	HTTPListURL  string
	HTTPSListURL string
	// Timeout per upstream request.
	Timeout time.Duration
}

type Fetcher struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: logger,
	}
}

// FetchMeta returns the upstream list's current version token. A
// non-200 response or a response without a token means "no update
// available" and yields an empty token with no error; only transport
// failures are errors.
func (f *Fetcher) FetchMeta(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.MetaURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create meta request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch meta: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.logger.Warn("Meta fetch returned non-200", "status", resp.StatusCode)
		return "", nil
	}

	var meta struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		f.logger.Warn("Failed to decode meta response", "error", err)
		return "", nil
	}

	return meta.Timestamp, nil
}

// AllProxies fetches both protocol lists and returns the combined,
// deduplicated, scheme-normalized address set. A single list failing
// is logged and skipped; the error is non-nil only when no list could
// be fetched at all.
func (f *Fetcher) AllProxies(ctx context.Context) ([]string, error) {
	var combined []string
	seen := make(map[string]struct{})
	fetched := 0

	for _, listURL := range []string{f.opts.HTTPListURL, f.opts.HTTPSListURL} {
		addrs, err := f.fetchList(ctx, listURL)
		if err != nil {
			f.logger.Warn("Failed to fetch proxy list", "url", listURL, "error", err)
			continue
		}
		fetched++
		for _, addr := range addrs {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			combined = append(combined, addr)
		}
	}

	if fetched == 0 {
		return nil, fmt.Errorf("all proxy list fetches failed")
	}

	f.logger.Info("Fetched upstream proxy lists", "unique", len(combined))
	return combined, nil
}

func (f *Fetcher) fetchList(ctx context.Context, listURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create list request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list fetch returned status %d", resp.StatusCode)
	}

	var addrs []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, prober.NormalizeAddress(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading list body: %w", err)
	}

	return addrs, nil
}
