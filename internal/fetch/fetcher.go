package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "roomrelay/pkg/logx"
)

// Config controls download behaviour.
type Config struct {
	TempDir        string
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
	MaxBytes       int64

	// HostRatePerSec paces requests per remote host (0 disables).
	HostRatePerSec float64
	HostBurst      int

	UserAgent string
	Referer   string
	Headers   map[string]string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.TempDir) == "" {
		c.TempDir = os.TempDir()
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 200 << 20
	}
	if c.HostBurst <= 0 {
		c.HostBurst = 4
	}
	return c
}

// Cache is the part of the resource cache the fetcher needs.
type Cache interface {
	Get(url string) (string, bool)
	PutFile(url, src string) (string, error)
}

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result is a resolved resource. When Cached is false the file is a
// private temp copy and the caller should Release it after use.
type Result struct {
	Path   string
	Ext    string
	Size   int64
	Cached bool
}

// Release removes the temp file of an uncached result.
func (r Result) Release() {
	if r.Cached || r.Path == "" {
		return
	}
	_ = os.Remove(r.Path)
}

// Stats are cumulative fetcher counters.
type Stats struct {
	Requests  uint64 `json:"requests"`
	CacheHits uint64 `json:"cache_hits"`
	Retries   uint64 `json:"retries"`
	Failures  uint64 `json:"failures"`
	Bytes     uint64 `json:"bytes"`
}

type Fetcher struct {
	log    logx.Logger
	client *http.Client
	cache  Cache
	sleep  Sleeper
	jitter bool

	cfgMu sync.RWMutex
	cfg   Config

	hostMu sync.Mutex
	hosts  map[string]*rate.Limiter

	requests  atomic.Uint64
	cacheHits atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64
	bytes     atomic.Uint64
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

func WithCache(c Cache) Option { return func(f *Fetcher) { f.cache = c } }

// WithSleeper replaces the backoff wait. Installing one disables jitter.
func WithSleeper(s Sleeper) Option {
	return func(f *Fetcher) {
		f.sleep = s
		f.jitter = false
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Fetcher{
		log:    log,
		cfg:    cfg.withDefaults(),
		client: &http.Client{},
		sleep:  timerSleep,
		jitter: true,
		hosts:  map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Apply swaps retry and pacing settings at runtime.
func (f *Fetcher) Apply(cfg Config) {
	f.cfgMu.Lock()
	f.cfg = cfg.withDefaults()
	f.cfgMu.Unlock()
	f.hostMu.Lock()
	f.hosts = map[string]*rate.Limiter{}
	f.hostMu.Unlock()
}

func (f *Fetcher) config() Config {
	f.cfgMu.RLock()
	defer f.cfgMu.RUnlock()
	return f.cfg
}

func (f *Fetcher) Stats() Stats {
	return Stats{
		Requests:  f.requests.Load(),
		CacheHits: f.cacheHits.Load(),
		Retries:   f.retries.Load(),
		Failures:  f.failures.Load(),
		Bytes:     f.bytes.Load(),
	}
}

// Fetch resolves rawURL to a local file. maxRetries < 0 uses the configured
// default. Failures are always *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, extHint string, maxRetries int) (Result, error) {
	cfg := f.config()
	if maxRetries < 0 {
		maxRetries = cfg.MaxRetries
	}
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		f.failures.Add(1)
		if err == nil {
			err = ErrBadURL
		}
		return Result{}, &FetchError{Kind: Permanent, URL: rawURL, Err: err}
	}

	if f.cache != nil {
		if p, ok := f.cache.Get(rawURL); ok {
			f.cacheHits.Add(1)
			return Result{Path: p, Ext: InferExt(p, "", extHint), Cached: true}, nil
		}
	}

	log := f.log.With(logx.String("url", rawURL))
	var last *attemptError
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoff(cfg, attempt-1)
			if ra := time.Duration(last.retryAfter) * time.Second; ra > delay {
				delay = ra
				if delay > cfg.BackoffMax {
					delay = cfg.BackoffMax
				}
			}
			f.retries.Add(1)
			log.Debug("fetch retrying", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(last.err))
			if err := f.sleep(ctx, delay); err != nil {
				break
			}
		}
		attempts++
		res, aerr := f.attempt(ctx, cfg, u, extHint)
		if aerr == nil {
			f.bytes.Add(uint64(res.Size))
			return f.offer(rawURL, res, log), nil
		}
		last = aerr
		if aerr.kind == Permanent || ctx.Err() != nil {
			break
		}
	}

	f.failures.Add(1)
	fe := &FetchError{Kind: Transient, URL: rawURL, Attempts: attempts}
	if last != nil {
		fe.Kind, fe.Status, fe.Err = last.kind, last.status, last.err
	}
	if fe.Err == nil {
		fe.Err = ctx.Err()
	}
	log.Warn("fetch failed", logx.String("kind", fe.Kind.String()), logx.Int("attempts", attempts), logx.Int("status", fe.Status), logx.Err(fe.Err))
	return Result{}, fe
}

// backoff returns base*2^n capped, with optional +/-15% jitter below the
// cap. Doubling outgrows the jitter band and the cap itself is never
// jittered, so successive delays never decrease.
func (f *Fetcher) backoff(cfg Config, n int) time.Duration {
	d := cfg.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if d >= cfg.BackoffMax {
		return cfg.BackoffMax
	}
	if f.jitter {
		d = time.Duration(float64(d) * (0.85 + rand.Float64()*0.3))
		if d > cfg.BackoffMax {
			d = cfg.BackoffMax
		}
	}
	return d
}

func (f *Fetcher) hostLimiter(cfg Config, host string) *rate.Limiter {
	if cfg.HostRatePerSec <= 0 {
		return nil
	}
	f.hostMu.Lock()
	defer f.hostMu.Unlock()
	l := f.hosts[host]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(cfg.HostRatePerSec), cfg.HostBurst)
		f.hosts[host] = l
	}
	return l
}

func (f *Fetcher) attempt(ctx context.Context, cfg Config, u *url.URL, extHint string) (Result, *attemptError) {
	if l := f.hostLimiter(cfg, u.Host); l != nil {
		if err := l.Wait(ctx); err != nil {
			return Result{}, transient(0, err)
		}
	}
	actx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, permanent(0, fmt.Errorf("%w: %v", ErrBadURL, err))
	}
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}
	if cfg.Referer != "" {
		req.Header.Set("Referer", cfg.Referer)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	f.requests.Add(1)
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if aerr := classifyStatus(resp); aerr != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, aerr
	}
	ct := resp.Header.Get("Content-Type")
	if mt, _, _ := mime.ParseMediaType(ct); mt == "text/html" {
		return Result{}, permanent(resp.StatusCode, ErrHTMLPayload)
	}
	if resp.ContentLength > cfg.MaxBytes {
		return Result{}, permanent(resp.StatusCode, ErrTooLarge)
	}

	ext := InferExt(u.String(), ct, extHint)
	tmp, err := os.CreateTemp(cfg.TempDir, "fetch-*"+ext)
	if err != nil {
		return Result{}, transient(0, fmt.Errorf("temp file: %w", err))
	}
	n, err := io.Copy(tmp, io.LimitReader(resp.Body, cfg.MaxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		_ = os.Remove(tmp.Name())
		return Result{}, classifyNetErr(err)
	case n == 0:
		_ = os.Remove(tmp.Name())
		return Result{}, permanent(resp.StatusCode, ErrEmptyBody)
	case n > cfg.MaxBytes:
		_ = os.Remove(tmp.Name())
		return Result{}, permanent(resp.StatusCode, ErrTooLarge)
	}
	return Result{Path: tmp.Name(), Ext: ext, Size: n}, nil
}

// offer hands a fresh download to the cache. On success the temp file is
// replaced by the cached copy; on failure the temp file is returned as is.
func (f *Fetcher) offer(rawURL string, res Result, log logx.Logger) Result {
	if f.cache == nil {
		return res
	}
	p, err := f.cache.PutFile(rawURL, res.Path)
	if err != nil {
		log.Debug("cache offer rejected", logx.Err(err))
		return res
	}
	_ = os.Remove(res.Path)
	res.Path = p
	res.Cached = true
	return res
}

func classifyStatus(resp *http.Response) *attemptError {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		ae := transient(code, fmt.Errorf("http status %d", code))
		if s, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && s > 0 {
			ae.retryAfter = int64(s)
		}
		return ae
	case code == http.StatusRequestTimeout || code >= 500:
		return transient(code, fmt.Errorf("http status %d", code))
	default:
		return permanent(code, fmt.Errorf("http status %d", code))
	}
}

func classifyNetErr(err error) *attemptError {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return permanent(0, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && strings.Contains(ue.Err.Error(), "unsupported protocol scheme") {
		return permanent(0, err)
	}
	// Timeouts, resets, refused connections and truncated bodies are all
	// expected to succeed on a later attempt.
	return transient(0, err)
}
