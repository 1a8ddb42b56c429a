// Package dnscheck verifies that a scan target exists in DNS before any
// recon tool is spent on it.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
)

var (
	ErrNXDomain = errors.New("domain does not exist")
	// ErrNoRecords matches ErrNXDomain under errors.Is.
	ErrNoRecords   = fmt.Errorf("%w: no SOA, NS, A or AAAA records", ErrNXDomain)
	ErrUnreachable = errors.New("no nameserver answered")
)

var fallbackResolvers = []string{"8.8.8.8:53", "1.1.1.1:53"}

type Resolver struct {
	nameservers []string
	client      *dns.Client
	logger      *logger.Logger
}

func New(cfg config.DNSConfig, log *logger.Logger) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	servers := cfg.Nameservers
	if len(servers) == 0 {
		servers = systemResolvers()
	}
	return &Resolver{
		nameservers: withPort(servers),
		client:      &dns.Client{Timeout: timeout},
		logger:      log.WithComponent("dnscheck"),
	}
}

func systemResolvers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return fallbackResolvers
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

func withPort(servers []string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		out = append(out, s)
	}
	return out
}

// Check returns nil as soon as any of SOA, NS, A or AAAA resolves for domain.
func (r *Resolver) Check(ctx context.Context, domain string) error {
	fqdn := dns.Fqdn(domain)
	var lastErr error
	answered := false

	for _, qtype := range []uint16{dns.TypeSOA, dns.TypeNS, dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(fqdn, qtype)
		m.RecursionDesired = true

		for _, ns := range r.nameservers {
			if err := ctx.Err(); err != nil {
				return err
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, ns)
			if err != nil {
				lastErr = err
				r.logger.Debugw("DNS query failed", "nameserver", ns, "qtype", dns.TypeToString[qtype], "error", err)
				continue
			}
			answered = true

			if resp.Rcode == dns.RcodeNameError {
				return fmt.Errorf("%s: %w", domain, ErrNXDomain)
			}
			if resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0 {
				r.logger.Debugw("DNS pre-flight passed", "target", domain, "qtype", dns.TypeToString[qtype])
				return nil
			}
			// NOERROR with no data is authoritative enough; try the next type.
			break
		}
	}

	if !answered {
		return fmt.Errorf("%s: %w: %v", domain, ErrUnreachable, lastErr)
	}
	return fmt.Errorf("%s: %w", domain, ErrNoRecords)
}
