package dnsconf

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// verifyDomain is a name every recursive resolver can answer.
const verifyDomain = "apple.com."

// Verify sends one A query directly to server:53 and reports whether a
// well-formed answer came back. Used after Configure as a best-effort
// health check; failures are logged by the caller, not fatal.
func Verify(ctx context.Context, server string) error {
	msg := new(dns.Msg)
	msg.SetQuestion(verifyDomain, dns.TypeA)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: 3 * time.Second}
	resp, _, err := client.ExchangeContext(ctx, msg, net.JoinHostPort(server, "53"))
	if err != nil {
		return fmt.Errorf("query %s via %s: %w", verifyDomain, server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("query %s via %s: rcode %s", verifyDomain, server, dns.RcodeToString[resp.Rcode])
	}
	return nil
}
