package reqcache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Connectivity is the online/offline signal. Subscribers are told about
// transitions only, never about repeated reports of the same state.
type Connectivity struct {
	mu     sync.Mutex
	online bool
	subs   []func(online bool)
}

func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online}
}

func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Set records the current state and reports whether it changed.
func (c *Connectivity) Set(online bool) bool {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return false
	}
	c.online = online
	subs := append([]func(bool){}, c.subs...)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
	return true
}

func (c *Connectivity) Subscribe(fn func(online bool)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// prober periodically sends HEAD to a URL. Any HTTP answer counts as online.
type prober struct {
	url    string
	client *http.Client
	conn   *Connectivity
	log    zerolog.Logger
}

func (p *prober) probeOnce(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func (p *prober) loop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, every)
		online := p.probeOnce(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if p.conn.Set(online) {
			p.log.Info().Bool("online", online).Str("probe", p.url).Msg("connectivity changed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
