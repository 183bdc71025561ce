// Package collyprobe implements proxy.Prober using gocolly.
package collyprobe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/verifyd/internal/proxy"
)

const defaultTimeout = 15 * time.Second

// Config controls the probe request.
type Config struct {
	// URL is fetched through the proxy; any 2xx response counts as healthy.
	URL       string
	UserAgent string
	Timeout   time.Duration
}

// Prober checks proxies by fetching Config.URL through them.
type Prober struct {
	cfg Config
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Prober.
func New(cfg Config) (*Prober, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("probe url is required")
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid probe url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Prober{cfg: cfg}, nil
}

// Probe performs one GET of the probe URL through address. proxy.Direct
// skips the proxy.
func (p *Prober) Probe(ctx context.Context, address string) error {
	collector, err := p.buildCollector(address)
	if err != nil {
		return err
	}
	var (
		status   int
		probeErr error
	)
	p.configureCollectorHooks(collector, &status, &probeErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(p.cfg.URL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if probeErr != nil {
			return fmt.Errorf("probe response failed: %w", probeErr)
		}
		if err != nil {
			return fmt.Errorf("probe visit failed: %w", err)
		}
		if status < 200 || status >= 300 {
			return fmt.Errorf("probe returned status %d", status)
		}
		return nil
	}
}

// buildCollector creates a collector with its own transport; colly clones share
// the backend, so a per-probe collector keeps concurrent probes on their own proxy.
func (p *Prober) buildCollector(address string) (*colly.Collector, error) {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(p.cfg.Timeout)

	transport := newHTTPTransport()
	if address != "" && address != proxy.Direct {
		proxyURL, err := url.Parse(address)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy address %q: %w", proxy.Redact(address), err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	collector.WithTransport(transport)
	return collector, nil
}

func (p *Prober) configureCollectorHooks(hooks collectorHooks, status *int, probeErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*probeErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          4,
		IdleConnTimeout:       30 * time.Second,
		DisableKeepAlives:     true,
	}
}
