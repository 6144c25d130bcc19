package webapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/dnscodec"
	"github.com/cryguy/flydns/internal/eventloop"
)

const resolvJS = `
globalThis.resolv = function(name, type) {
	var id;
	try {
		id = __resolvStart(String(name), type === undefined ? 'A' : String(type));
	} catch (e) {
		return Promise.reject(e);
	}
	return __opAwait(id).then(
		function(payload) { return DNSResponse.__fromWire(JSON.parse(payload)); },
		function(msg) { throw new Error('resolv: ' + msg); });
};
`

// Resolver performs upstream lookups for resolv().
type Resolver struct {
	Upstream string
	Timeout  time.Duration
}

// Lookup queries the upstream for name/qtype, retrying over TCP when the
// UDP answer comes back truncated.
func (r *Resolver) Lookup(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.SetEdns0(dns.DefaultMsgSize, false)

	client := &dns.Client{Net: "udp", Timeout: r.Timeout}
	reply, _, err := client.ExchangeContext(ctx, m, r.Upstream)
	if err != nil {
		return nil, err
	}
	if reply.Truncated {
		client.Net = "tcp"
		if reply, _, err = client.ExchangeContext(ctx, m, r.Upstream); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

// normalizeName converts an IDN to its ASCII form and makes it fully
// qualified.
func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty name")
	}
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(name, "."))
	if err != nil {
		return "", fmt.Errorf("invalid name %q: %w", name, err)
	}
	fqdn := dns.Fqdn(ascii)
	if _, ok := dns.IsDomainName(fqdn); !ok {
		return "", fmt.Errorf("invalid name %q", name)
	}
	return fqdn, nil
}

// SetupResolv installs resolv(name, type?). Lookups run off the runtime
// goroutine and are delivered through the event loop.
func SetupResolv(rt core.ScriptHost, el *eventloop.EventLoop, cfg core.EngineConfig) error {
	timeout := cfg.ResolveTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	res := &Resolver{Upstream: cfg.Upstream, Timeout: timeout}

	if err := rt.Expose("__resolvStart", func(name, typ string) (string, error) {
		if res.Upstream == "" {
			return "", fmt.Errorf("no upstream resolver configured")
		}
		fqdn, err := normalizeName(name)
		if err != nil {
			return "", err
		}
		qtype, ok := dns.StringToType[strings.ToUpper(typ)]
		if !ok {
			return "", fmt.Errorf("unknown record type %q", typ)
		}

		id := el.StartOp()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*res.Timeout)
			defer cancel()
			reply, err := res.Lookup(ctx, fqdn, qtype)
			if err != nil {
				el.Complete(id, "", err)
				return
			}
			payload, err := json.Marshal(dnscodec.ResponseFromMsg(reply))
			el.Complete(id, string(payload), err)
		}()
		return id, nil
	}); err != nil {
		return err
	}
	return rt.Eval(resolvJS)
}
