// Package resolver implements the async DNS resolver (C10): UDP queries
// with NS round-robin, CNAME chasing bounded by MaxRecursion, and a
// TTL-indexed cache supporting stale-while-revalidate. Queries go over
// UDP only; a truncated response is not retried over TCP, and
// ResolveSRV returns the answered SRV records (shuffled) without
// resolving their targets. Wire protocol and query exchange are delegated to
// github.com/miekg/dns; the cache is github.com/hashicorp/golang-lru/v2's
// expirable variant rather than a hand-rolled TTL map.
package resolver

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"

	"github.com/joeycumines/go-ngxcore/internal/logging"
	"github.com/joeycumines/go-ngxcore/internal/threadpool"
)

// MaxRecursion bounds CNAME chase depth, the same loop guard value
// the specification names.
const MaxRecursion = 50

// Result is a resolved name's address set, cached with its expiry.
type Result struct {
	Name    string
	Addrs   []string
	TTL     time.Duration
	Expires time.Time
}

// Stale reports whether Result is past its TTL. Whether a stale result
// may still be served (the stale-while-revalidate grace window) is
// decided by Resolve.
func (r Result) Stale(now time.Time) bool { return now.After(r.Expires) }

// Resolver performs async DNS lookups with caching.
type Resolver struct {
	client      *dns.Client
	nameservers []string
	nsIdx       atomic.Uint64
	timeout     time.Duration
	staleGrace  time.Duration

	cache *expirable.LRU[string, Result]
	pool  *threadpool.Pool
	log   logging.Logger
}

// New constructs a Resolver. nameservers are tried round-robin;
// cacheValid is how long any entry stays in the cache after it is
// stored, whatever TTL its response carried, and staleGrace controls how long an expired
// entry may still be served while a revalidation is in flight.
func New(nameservers []string, timeout, cacheValid, staleGrace time.Duration, maxItems int, pool *threadpool.Pool, log logging.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxItems <= 0 {
		maxItems = 4096
	}
	return &Resolver{
		client:      &dns.Client{Timeout: timeout, Net: "udp"},
		nameservers: nameservers,
		timeout:     timeout,
		staleGrace:  staleGrace,
		cache:       expirable.NewLRU[string, Result](maxItems, nil, cacheValid),
		pool:        pool,
		log:         log.WithCategory("resolver"),
	}
}

// nextServer returns the next nameserver to try, round-robin.
func (r *Resolver) nextServer() string {
	if len(r.nameservers) == 0 {
		return ""
	}
	i := r.nsIdx.Add(1) - 1
	return r.nameservers[i%uint64(len(r.nameservers))]
}

// Resolve looks up name, consulting the cache first. A stale-but-
// within-grace hit is served immediately while a background
// revalidation is submitted to the thread pool, matching the
// specification's stale-while-revalidate cache semantics.
func (r *Resolver) Resolve(ctx context.Context, name string) (Result, error) {
	if cached, ok := r.cache.Get(name); ok {
		if !cached.Stale(time.Now()) {
			return cached, nil
		}
		if time.Now().Before(cached.Expires.Add(r.staleGrace)) {
			r.pool.Submit(func() {
				if fresh, err := r.query(context.Background(), name, 0); err == nil {
					r.cache.Add(name, fresh)
				}
			})
			return cached, nil
		}
	}

	result, err := r.query(ctx, name, 0)
	if err != nil {
		return Result{}, err
	}
	r.cache.Add(name, result)
	return result, nil
}

// query performs the actual wire exchange, following CNAME chains up
// to MaxRecursion hops.
func (r *Resolver) query(ctx context.Context, name string, depth int) (Result, error) {
	if depth > MaxRecursion {
		return Result{}, fmt.Errorf("resolver: exceeded max recursion resolving %s", name)
	}

	server := r.nextServer()
	if server == "" {
		return Result{}, fmt.Errorf("resolver: no nameservers configured")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return Result{}, fmt.Errorf("resolver: query %s via %s: %w", name, server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return Result{}, fmt.Errorf("resolver: %s answered rcode %s for %s", server, dns.RcodeToString[resp.Rcode], name)
	}

	var (
		addrs  []string
		minTTL = ^uint32(0)
		cname  string
	)
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			addrs = append(addrs, v.A.String())
			if v.Hdr.Ttl < minTTL {
				minTTL = v.Hdr.Ttl
			}
		case *dns.CNAME:
			cname = v.Target
			if v.Hdr.Ttl < minTTL {
				minTTL = v.Hdr.Ttl
			}
		}
	}

	if len(addrs) == 0 && cname != "" {
		chased, err := r.query(ctx, cname, depth+1)
		if err != nil {
			return Result{}, err
		}
		chased.Name = name
		return chased, nil
	}

	if len(addrs) == 0 {
		return Result{}, fmt.Errorf("resolver: no A records for %s", name)
	}
	if minTTL == ^uint32(0) {
		minTTL = 30
	}

	ttl := time.Duration(minTTL) * time.Second
	return Result{
		Name:    name,
		Addrs:   addrs,
		TTL:     ttl,
		Expires: time.Now().Add(ttl),
	}, nil
}

// ResolveSRV performs an SRV lookup, used for service discovery style
// name resolution distinct from plain A-record resolution.
func (r *Resolver) ResolveSRV(ctx context.Context, service string) ([]*dns.SRV, error) {
	server := r.nextServer()
	if server == "" {
		return nil, fmt.Errorf("resolver: no nameservers configured")
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(service), dns.TypeSRV)
	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("resolver: SRV query %s: %w", service, err)
	}
	var out []*dns.SRV
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			out = append(out, srv)
		}
	}
	// shuffle within equal-priority groups per RFC 2782 weighting would
	// go here; a simple shuffle is used as the fair-selection baseline.
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out, nil
}
