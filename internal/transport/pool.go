package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrUnknownDomain is returned for a domain without a configured target.
var ErrUnknownDomain = errors.New("no target configured for domain")

// Pool keeps one connection per remote domain.
type Pool struct {
	mu      sync.Mutex
	targets map[string]string
	conns   map[string]*grpc.ClientConn
	opts    []grpc.DialOption
}

// NewPool returns a pool over domain name -> host:port targets. Connections
// are plaintext unless opts say otherwise.
func NewPool(targets map[string]string, opts ...grpc.DialOption) *Pool {
	t := make(map[string]string, len(targets))
	for k, v := range targets {
		t[k] = v
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Pool{targets: t, conns: make(map[string]*grpc.ClientConn), opts: opts}
}

// Domains lists the configured domain names in order.
func (p *Pool) Domains() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.targets))
	for name := range p.targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Client returns a ledger client for domain, connecting on first use.
func (p *Pool) Client(domain string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[domain]; ok {
		return NewClient(conn, domain), nil
	}
	target, ok := p.targets[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}
	conn, err := grpc.NewClient(target, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to domain %q at %s: %w", domain, target, err)
	}
	p.conns[domain] = conn
	return NewClient(conn, domain), nil
}

// Close drops every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for name, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
		delete(p.conns, name)
	}
	return errors.Join(errs...)
}
