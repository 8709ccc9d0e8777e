// Package transport reaches butlers over MCP JSON-RPC (http, websocket,
// stdio) or in process (local://).
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/basket/switchboard/internal/shared"
)

// Caller invokes one tool on the butler at endpointURL.
type Caller interface {
	CallTool(ctx context.Context, endpointURL, tool string, args map[string]any) (any, error)
}

// DialFunc opens a Transport to an endpoint.
type DialFunc func(ctx context.Context, endpoint string) (Transport, error)

type PoolOptions struct {
	Logger      *slog.Logger
	Local       *Local
	HTTPClient  *http.Client
	Header      http.Header
	InitTimeout time.Duration
	// Dial overrides the scheme-based dialer.
	Dial DialFunc
}

type endpointHealth struct {
	healthy   bool
	lastCheck time.Time
	lastError string
}

// EndpointHealth is the last observed state of a pooled endpoint.
type EndpointHealth struct {
	Endpoint  string    `json:"endpoint"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Pool caches one initialized Client per remote endpoint. Create with NewPool,
// release with Close; a closed Pool rejects further calls.
type Pool struct {
	logger      *slog.Logger
	local       *Local
	httpClient  *http.Client
	header      http.Header
	initTimeout time.Duration
	dial        DialFunc

	mu      sync.Mutex
	clients map[string]*Client
	health  map[string]*endpointHealth
	closed  bool
}

func NewPool(opts PoolOptions) *Pool {
	p := &Pool{
		logger:      opts.Logger,
		local:       opts.Local,
		httpClient:  opts.HTTPClient,
		header:      opts.Header,
		initTimeout: opts.InitTimeout,
		clients:     make(map[string]*Client),
		health:      make(map[string]*endpointHealth),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{}
	}
	if p.initTimeout <= 0 {
		p.initTimeout = 10 * time.Second
	}
	p.dial = opts.Dial
	if p.dial == nil {
		p.dial = p.defaultDial
	}
	return p
}

func (p *Pool) Local() *Local { return p.local }

func (p *Pool) CallTool(ctx context.Context, endpointURL, tool string, args map[string]any) (any, error) {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return nil, &ConnectionError{Endpoint: endpointURL, Err: err}
	}
	if u.Scheme == LocalScheme {
		if p.local == nil {
			return nil, &ConnectionError{Endpoint: endpointURL, Err: fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)}
		}
		return p.local.CallTool(ctx, endpointURL, tool, args)
	}

	client, err := p.client(ctx, endpointURL)
	if err != nil {
		p.markHealth(endpointURL, err)
		return nil, err
	}
	res, err := client.CallTool(ctx, tool, args)
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		p.evict(endpointURL, client)
		p.markHealth(endpointURL, err)
		return nil, err
	}
	p.markHealth(endpointURL, nil)
	return res, err
}

func (p *Pool) client(ctx context.Context, endpoint string) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if c, ok := p.clients[endpoint]; ok && c.Alive() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	t, err := p.dial(ctx, endpoint)
	if err != nil {
		return nil, asConnectionError(endpoint, err)
	}
	c := NewClient(endpoint, t)
	initCtx, cancel := context.WithTimeout(ctx, p.initTimeout)
	defer cancel()
	if err := c.Initialize(initCtx); err != nil {
		_ = c.Close()
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Close()
		return nil, ErrPoolClosed
	}
	if existing, ok := p.clients[endpoint]; ok && existing.Alive() {
		_ = c.Close()
		return existing, nil
	}
	p.clients[endpoint] = c
	p.logger.Info("butler endpoint connected", "endpoint", shared.RedactURL(endpoint))
	return c, nil
}

func (p *Pool) evict(endpoint string, c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.clients[endpoint]; ok && current == c {
		delete(p.clients, endpoint)
		_ = c.Close()
		p.logger.Warn("butler endpoint dropped", "endpoint", shared.RedactURL(endpoint))
	}
}

func (p *Pool) markHealth(endpoint string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[endpoint]
	if !ok {
		h = &endpointHealth{}
		p.health[endpoint] = h
	}
	h.lastCheck = time.Now()
	h.healthy = err == nil
	h.lastError = ""
	if err != nil {
		h.lastError = err.Error()
	}
}

// Health reports every remote endpoint the pool has tried, sorted by endpoint.
func (p *Pool) Health() []EndpointHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EndpointHealth, 0, len(p.health))
	for endpoint, h := range p.health {
		out = append(out, EndpointHealth{Endpoint: endpoint, Healthy: h.healthy, LastCheck: h.lastCheck, LastError: h.lastError})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Close shuts every cached client down.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for endpoint, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", endpoint, err))
		}
		delete(p.clients, endpoint)
	}
	return errors.Join(errs...)
}

func (p *Pool) defaultDial(ctx context.Context, endpoint string) (Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPTransport(endpoint, p.httpClient, p.header), nil
	case "ws", "wss":
		return DialWebSocket(ctx, endpoint, p.header)
	case "stdio":
		command, args, err := stdioCommand(u)
		if err != nil {
			return nil, err
		}
		return NewReconnectableTransport(command, args, nil, p.logger)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
}
