// Package reference provides external price feeds the oracle engine consults
// to bound validator submissions.
package reference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"priceoracle/internal/oracle"
)

// ErrNoAnswer is returned when a feed has nothing to report.
var ErrNoAnswer = errors.New("reference: no answer")

// HTTPConfig configures an HTTPFeed.
type HTTPConfig struct {
	URL        string        // JSON endpoint
	PricePath  string        // gjson path to the integer price, e.g. "data.answer"
	UpdatedAt  string        // gjson path to a unix-seconds timestamp; empty = response time
	Timeout    time.Duration // per request (default 3s)
	RatePerSec float64       // outbound request budget (default 1/s)
	Burst      int           // (default 1)
	MaxAge     time.Duration // reuse the last answer while younger than this (default 0 = never)
	Client     *http.Client
}

// HTTPFeed reads a price from a JSON HTTP endpoint. Requests beyond the rate
// budget are served from the last good answer instead of blocking.
type HTTPFeed struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	mu   sync.Mutex
	last *oracle.Answer
	at   time.Time
}

// NewHTTPFeed creates an HTTP-backed reference feed.
func NewHTTPFeed(cfg HTTPConfig) (*HTTPFeed, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("reference: empty url")
	}
	if cfg.PricePath == "" {
		return nil, fmt.Errorf("reference: empty price path")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPFeed{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		now:     time.Now,
	}, nil
}

// LatestAnswer implements oracle.ReferenceFeed.
func (f *HTTPFeed) LatestAnswer(ctx context.Context) (oracle.Answer, error) {
	if ans, ok := f.cached(); ok {
		return ans, nil
	}
	if !f.limiter.Allow() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.last != nil {
			return copyAnswer(*f.last), nil
		}
		return oracle.Answer{}, fmt.Errorf("reference: rate limited and no cached answer")
	}

	ans, err := f.fetch(ctx)
	if err != nil {
		return oracle.Answer{}, err
	}
	f.mu.Lock()
	f.last = &ans
	f.at = f.now()
	f.mu.Unlock()
	return copyAnswer(ans), nil
}

func (f *HTTPFeed) cached() (oracle.Answer, bool) {
	if f.cfg.MaxAge <= 0 {
		return oracle.Answer{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil || f.now().Sub(f.at) >= f.cfg.MaxAge {
		return oracle.Answer{}, false
	}
	return copyAnswer(*f.last), true
}

func (f *HTTPFeed) fetch(ctx context.Context) (oracle.Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return oracle.Answer{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return oracle.Answer{}, fmt.Errorf("reference GET %s: %w", f.cfg.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return oracle.Answer{}, fmt.Errorf("reference read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return oracle.Answer{}, fmt.Errorf("reference GET %s: status %d", f.cfg.URL, resp.StatusCode)
	}
	return parseAnswer(body, f.cfg.PricePath, f.cfg.UpdatedAt, f.now())
}

// parseAnswer extracts the price (and optionally its timestamp) from a JSON
// document. The price may be a JSON string or number but must be an integer.
func parseAnswer(body []byte, pricePath, updatedPath string, fallback time.Time) (oracle.Answer, error) {
	if !gjson.ValidBytes(body) {
		return oracle.Answer{}, fmt.Errorf("reference: invalid json")
	}
	res := gjson.GetBytes(body, pricePath)
	if !res.Exists() {
		return oracle.Answer{}, fmt.Errorf("%w at %q", ErrNoAnswer, pricePath)
	}

	raw := strings.TrimSpace(res.String())
	if res.Type == gjson.Number {
		raw = res.Raw
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return oracle.Answer{}, fmt.Errorf("reference: price %q is not an integer", raw)
	}

	ans := oracle.Answer{Value: v, UpdatedAt: fallback}
	if updatedPath != "" {
		ts := gjson.GetBytes(body, updatedPath)
		if !ts.Exists() {
			return oracle.Answer{}, fmt.Errorf("%w: no timestamp at %q", ErrNoAnswer, updatedPath)
		}
		ans.UpdatedAt = time.Unix(ts.Int(), 0).UTC()
	}
	return ans, nil
}

func copyAnswer(a oracle.Answer) oracle.Answer {
	if a.Value != nil {
		a.Value = new(big.Int).Set(a.Value)
	}
	return a
}

// Static is a settable in-process feed, used by tests and the simulator.
type Static struct {
	mu  sync.Mutex
	ans *oracle.Answer
	err error
}

// NewStatic creates a feed that reports v updated at ts.
func NewStatic(v *big.Int, ts time.Time) *Static {
	s := &Static{}
	s.Set(v, ts)
	return s
}

// Set replaces the reported answer.
func (s *Static) Set(v *big.Int, ts time.Time) {
	s.mu.Lock()
	s.ans = &oracle.Answer{Value: new(big.Int).Set(v), UpdatedAt: ts}
	s.err = nil
	s.mu.Unlock()
}

// Fail makes subsequent reads return err.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Static) LatestAnswer(context.Context) (oracle.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return oracle.Answer{}, s.err
	}
	if s.ans == nil {
		return oracle.Answer{}, ErrNoAnswer
	}
	return copyAnswer(*s.ans), nil
}
