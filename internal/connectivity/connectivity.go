// Package connectivity reports whether the backend is reachable. The prober
// issues cheap HEAD requests against a probe URL, caches the verdict for a
// short TTL and notifies subscribers when connectivity comes back after an
// offline stretch.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/avisono/birdsong_downloader/internal/logctx"
)

const (
	defaultCacheTTL = 15 * time.Second
	probeTimeout    = 5 * time.Second
)

// Prober checks and caches backend reachability.
type Prober struct {
	probeURL string
	client   *http.Client
	cacheTTL time.Duration

	mu          sync.Mutex
	lastVerdict bool
	lastProbe   time.Time
	onRestore   []func()
}

func NewProber(probeURL string) *Prober {
	return &Prober{
		probeURL: probeURL,
		client:   &http.Client{Timeout: probeTimeout},
		cacheTTL: defaultCacheTTL,
	}
}

// IsConnected reports whether the probe URL answered recently. Verdicts are
// cached for the TTL so hot paths don't probe on every call.
func (p *Prober) IsConnected(ctx context.Context) bool {
	p.mu.Lock()
	if time.Since(p.lastProbe) < p.cacheTTL {
		verdict := p.lastVerdict
		p.mu.Unlock()

		return verdict
	}
	p.mu.Unlock()

	return p.probe(ctx)
}

// OnRestore registers fn to run whenever a probe observes an offline-to-online
// transition.
func (p *Prober) OnRestore(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onRestore = append(p.onRestore, fn)
}

// Watch probes on the given interval until the context is cancelled, driving
// OnRestore callbacks.
func (p *Prober) Watch(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("connectivity watcher shutting down")

				return
			case <-ticker.C:
				p.probe(ctx)
			}
		}
	}()
}

func (p *Prober) probe(ctx context.Context) bool {
	verdict := false

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.probeURL, nil)
	if err == nil {
		resp, probeErr := p.client.Do(req)
		if probeErr == nil {
			resp.Body.Close()
			verdict = resp.StatusCode < http.StatusInternalServerError
		}
	}

	p.mu.Lock()
	restored := verdict && !p.lastVerdict && !p.lastProbe.IsZero()
	p.lastVerdict = verdict
	p.lastProbe = time.Now()
	callbacks := make([]func(), len(p.onRestore))
	copy(callbacks, p.onRestore)
	p.mu.Unlock()

	if restored {
		logctx.LoggerFromContext(ctx).Info("connectivity restored", "probe_url", p.probeURL)

		for _, fn := range callbacks {
			fn()
		}
	}

	return verdict
}
