package ech

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"math/big"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
)

// ResolveResult contains the A, AAAA, and HTTPS records of a name.
type ResolveResult struct {
	A     []string
	AAAA  []string
	HTTPS []HTTPS
}

// HTTPS represents a DNS HTTPS Resource Record.
// https://www.rfc-editor.org/rfc/rfc9460
type HTTPS struct {
	Priority      uint16
	Target        string
	ALPN          []string
	NoDefaultALPN bool
	Port          uint16
	IPv4Hint      []net.IP
	IPv6Hint      []net.IP
	ECH           []byte
}

func (h HTTPS) String() string {
	s := fmt.Sprintf("%d %s.", h.Priority, h.Target)
	if len(h.ALPN) > 0 {
		s += fmt.Sprintf(" alpn=%q", strings.Join(h.ALPN, ","))
	}
	if h.NoDefaultALPN {
		s += " no-default-alpn"
	}
	if h.Port > 0 {
		s += fmt.Sprintf(" port=%d", h.Port)
	}
	for _, ip := range h.IPv4Hint {
		s += fmt.Sprintf(" ipv4-hint=%s", ip)
	}
	for _, ip := range h.IPv6Hint {
		s += fmt.Sprintf(" ipv6-hint=%s", ip)
	}
	if len(h.ECH) > 0 {
		s += fmt.Sprintf(" ech=%q", base64.StdEncoding.EncodeToString(h.ECH))
	}
	return s
}

// Addr is a convenience function that returns a random IP address or an
// empty string.
func (r ResolveResult) Addr() string {
	if n := len(r.A); n > 0 {
		return r.A[random(n)]
	}
	if n := len(r.AAAA); n > 0 {
		return r.AAAA[random(n)]
	}
	for _, h := range r.HTTPS {
		if len(h.IPv4Hint) > 0 {
			return h.IPv4Hint[0].String()
		}
		if len(h.IPv6Hint) > 0 {
			return h.IPv6Hint[0].String()
		}
	}
	return ""
}

// ECH is a convenience function that returns the first ECH value or nil.
func (r ResolveResult) ECH() []byte {
	for _, h := range r.HTTPS {
		if len(h.ECH) > 0 {
			return h.ECH
		}
	}
	return nil
}

// Target is one connectable address along with the ECH config list
// published for it.
type Target struct {
	Address string
	ECH     []byte
}

// Targets iterates over the resolved addresses in connection order:
// HTTPS-record hints first with their own ECH values, then plain A/AAAA
// records with the first ECH value found.
func (r ResolveResult) Targets(port int) iter.Seq[Target] {
	return func(yield func(Target) bool) {
		seen := make(map[string]bool)
		emit := func(addr string, ech []byte) bool {
			hp := net.JoinHostPort(addr, strconv.Itoa(port))
			if seen[hp] {
				return true
			}
			seen[hp] = true
			return yield(Target{Address: hp, ECH: ech})
		}
		for _, h := range r.HTTPS {
			if h.Priority == 0 {
				continue
			}
			p := port
			if h.Port > 0 {
				p = int(h.Port)
			}
			for _, ip := range h.IPv4Hint {
				hp := net.JoinHostPort(ip.String(), strconv.Itoa(p))
				if !seen[hp] {
					seen[hp] = true
					if !yield(Target{Address: hp, ECH: h.ECH}) {
						return
					}
				}
			}
			for _, ip := range h.IPv6Hint {
				hp := net.JoinHostPort(ip.String(), strconv.Itoa(p))
				if !seen[hp] {
					seen[hp] = true
					if !yield(Target{Address: hp, ECH: h.ECH}) {
						return
					}
				}
			}
		}
		ech := r.ECH()
		for _, a := range r.A {
			if !emit(a, ech) {
				return
			}
		}
		for _, a := range r.AAAA {
			if !emit(a, ech) {
				return
			}
		}
	}
}

// DefaultResolver is used when a [Dialer] has no resolver set.
var DefaultResolver = CloudflareResolver()

// CloudflareResolver uses Cloudflare's DNS-over-HTTPS service.
// https://developers.cloudflare.com/1.1.1.1/encryption/dns-over-https/
func CloudflareResolver() *Resolver {
	return newResolver(url.URL{Scheme: "https", Host: "1.1.1.1", Path: "/dns-query"})
}

// GoogleResolver uses Google's DNS-over-HTTPS service.
// https://developers.google.com/speed/public-dns/docs/doh
func GoogleResolver() *Resolver {
	return newResolver(url.URL{Scheme: "https", Host: "dns.google", Path: "/dns-query"})
}

// WikimediaResolver uses Wikimedia's DNS-over-HTTPS service.
// https://meta.wikimedia.org/wiki/Wikimedia_DNS
func WikimediaResolver() *Resolver {
	return newResolver(url.URL{Scheme: "https", Host: "wikimedia-dns.org", Path: "/dns-query"})
}

// NewResolver returns a resolver that uses any RFC 8484 compliant
// DNS-over-HTTPS service.
func NewResolver(URL string) (*Resolver, error) {
	u, err := url.Parse(URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" {
		return nil, errors.New("service url must use https")
	}
	return newResolver(*u), nil
}

func newResolver(u url.URL) *Resolver {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 2
	client.HTTPClient.Timeout = 30 * time.Second
	return &Resolver{
		baseURL: u,
		client:  client,
		cache:   expirable.NewLRU[string, cacheEntry](256, nil, 6*time.Hour),
	}
}

// Resolver is a caching DNS-over-HTTPS client. Results are cached by name
// until the smallest TTL of their records expires.
type Resolver struct {
	baseURL url.URL
	client  *retryablehttp.Client
	cache   *expirable.LRU[string, cacheEntry]
}

type cacheEntry struct {
	result  ResolveResult
	expires time.Time
}

var (
	ErrFormatError       = errors.New("format error")
	ErrServerFailure     = errors.New("server failure")
	ErrNonExistentDomain = errors.New("non-existent domain")
	ErrNotImplemented    = errors.New("not implemented")
	ErrQueryRefused      = errors.New("query refused")

	rcodeErrors = map[int]error{
		dns.RcodeFormatError:    ErrFormatError,
		dns.RcodeServerFailure:  ErrServerFailure,
		dns.RcodeNameError:      ErrNonExistentDomain,
		dns.RcodeNotImplemented: ErrNotImplemented,
		dns.RcodeRefused:        ErrQueryRefused,
	}
)

// Resolve resolves name with DNS-over-HTTPS.
func (r *Resolver) Resolve(ctx context.Context, name string) (ResolveResult, error) {
	var result ResolveResult
	if name == "localhost" {
		result.A = []string{"127.0.0.1"}
		result.AAAA = []string{net.IPv6loopback.String()}
		return result, nil
	}
	if ip := net.ParseIP(name); ip != nil {
		if ip.To4() != nil {
			result.A = []string{ip.String()}
		} else {
			result.AAAA = []string{ip.String()}
		}
		return result, nil
	}
	if e, ok := r.cache.Get(name); ok && e.expires.After(time.Now()) {
		return e.result, nil
	}

	minTTL := uint32(6 * 3600)
	note := func(ttl uint32) {
		if ttl < minTTL {
			minTTL = ttl
		}
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeHTTPS} {
		answers, err := r.resolveOne(ctx, name, qtype)
		if err != nil {
			return result, err
		}
		for _, rr := range answers {
			switch a := rr.(type) {
			case *dns.A:
				result.A = append(result.A, a.A.String())
				note(a.Hdr.Ttl)
			case *dns.AAAA:
				result.AAAA = append(result.AAAA, a.AAAA.String())
				note(a.Hdr.Ttl)
			case *dns.HTTPS:
				result.HTTPS = append(result.HTTPS, convertHTTPS(a))
				note(a.Hdr.Ttl)
			}
		}
	}
	r.cache.Add(name, cacheEntry{
		result:  result,
		expires: time.Now().Add(time.Duration(minTTL) * time.Second),
	})
	return result, nil
}

func convertHTTPS(rr *dns.HTTPS) HTTPS {
	h := HTTPS{
		Priority: rr.Priority,
		Target:   strings.TrimSuffix(rr.Target, "."),
	}
	for _, kv := range rr.Value {
		switch v := kv.(type) {
		case *dns.SVCBAlpn:
			h.ALPN = v.Alpn
		case *dns.SVCBNoDefaultAlpn:
			h.NoDefaultALPN = true
		case *dns.SVCBPort:
			h.Port = v.Port
		case *dns.SVCBIPv4Hint:
			h.IPv4Hint = v.Hint
		case *dns.SVCBIPv6Hint:
			h.IPv6Hint = v.Hint
		case *dns.SVCBECHConfig:
			h.ECH = bytes.Clone(v.ECH)
		}
	}
	return h
}

// resolveOne sends one query and returns the answers for name, following
// CNAME records within the same response.
func (r *Resolver) resolveOne(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = 0 // always 0 over DoH
	body, err := m.Pack()
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", r.baseURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "application/dns-message")
	req.Header.Set("content-type", "application/dns-message")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("status code %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 65536))
	if err != nil {
		return nil, err
	}
	respMsg := new(dns.Msg)
	if err := respMsg.Unpack(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeError, err)
	}
	if rc := respMsg.Rcode; rc != dns.RcodeSuccess {
		if err := rcodeErrors[rc]; err != nil {
			return nil, fmt.Errorf("%s (%s): %w", name, dns.TypeToString[qtype], err)
		}
		return nil, fmt.Errorf("%s (%s): response code %d", name, dns.TypeToString[qtype], rc)
	}

	want := dns.Fqdn(name)
	var out []dns.RR
	for _, rr := range respMsg.Answer {
		hdr := rr.Header()
		if !strings.EqualFold(hdr.Name, want) {
			continue
		}
		if cname, ok := rr.(*dns.CNAME); ok {
			want = cname.Target
			continue
		}
		if hdr.Rrtype == qtype {
			out = append(out, rr)
		}
	}
	return out, nil
}

func random(n int) int {
	if n < 2 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}
