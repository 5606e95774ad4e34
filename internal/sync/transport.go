package sync

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pos-sync-client/internal/logger"
)

// Request is a fully-formed remote call: the flush process and the
// resolver replay these as recorded, never constructing auth themselves.
type Request struct {
	URL     string
	Method  string
	Body    []byte
	Headers map[string]string
}

type Response struct {
	Status int
	Body   []byte
}

// Transport sends one request. A returned error is always a
// *NetworkError ("no connection"), distinguishable from any HTTP status,
// which always arrives as a Response.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Connectivity answers "are we online right now" and announces
// offline-to-online transitions.
type Connectivity interface {
	Online() bool
	Subscribe() <-chan struct{}
}

// Decorator attaches identity/authorization headers to a request.
type Decorator interface {
	Decorate(req *Request) error
}

// --- HTTP transport ---

type HTTPTransport struct {
	Client *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}

	return &Response{Status: resp.StatusCode, Body: respBody}, nil
}

// --- Auth decoration ---

// BearerDecorator attaches a static bearer token.
type BearerDecorator struct {
	Token string
}

func (d *BearerDecorator) Decorate(req *Request) error {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Authorization"] = "Bearer " + d.Token
	return nil
}

// DecoratedTransport runs every outgoing request through a Decorator
// before handing it to the inner transport.
type DecoratedTransport struct {
	Inner     Transport
	Decorator Decorator
}

func (t *DecoratedTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	decorated := &Request{
		URL:     req.URL,
		Method:  req.Method,
		Body:    req.Body,
		Headers: make(map[string]string, len(req.Headers)+1),
	}
	for k, v := range req.Headers {
		decorated.Headers[k] = v
	}
	if err := t.Decorator.Decorate(decorated); err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}
	return t.Inner.Send(ctx, decorated)
}

// --- Connectivity poller ---

// Poller derives the connectivity signal from a periodic probe against
// the remote health endpoint. Subscribers get one notification per
// offline-to-online transition.
type Poller struct {
	transport Transport
	probeURL  string
	interval  time.Duration

	online int32
	mu     sync.Mutex
	subs   []chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(transport Transport, probeURL string, interval time.Duration) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		transport: transport,
		probeURL:  probeURL,
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (p *Poller) Online() bool {
	return atomic.LoadInt32(&p.online) == 1
}

func (p *Poller) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

func (p *Poller) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) run() {
	defer p.wg.Done()

	p.probe()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Poller) probe() {
	_, err := p.transport.Send(p.ctx, &Request{URL: p.probeURL, Method: http.MethodGet})
	nowOnline := err == nil

	was := atomic.SwapInt32(&p.online, boolToInt32(nowOnline))
	if was == 0 && nowOnline {
		logger.Log.Info("Connectivity restored", zap.String("probe", p.probeURL))
		p.notify()
	} else if was == 1 && !nowOnline {
		logger.Log.Warn("Connectivity lost", zap.String("probe", p.probeURL), zap.Error(err))
	}
}

func (p *Poller) notify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
