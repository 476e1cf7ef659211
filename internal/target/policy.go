package target

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"browse-proxy-go/internal/config"
	"browse-proxy-go/internal/metrics"
	"browse-proxy-go/internal/model"
)

var errDeniedAddress = fmt.Errorf("%w: address is denied", model.ErrForbiddenTarget)

// Policy decides which upstream hosts may be contacted. It is built once
// from configuration and never mutated.
type Policy struct {
	allowHosts []string
	allowNets  []netip.Prefix
	denyHosts  []string
	denyNets   []netip.Prefix
}

// NewPolicy splits the configured allow and deny lists into host globs and
// IP prefixes.
func NewPolicy(cfg *config.Config) *Policy {
	p := &Policy{}
	p.allowHosts, p.allowNets = splitPatterns(cfg.Policy.AllowedHosts)
	p.denyHosts, p.denyNets = splitPatterns(cfg.Policy.BlockedHosts)
	return p
}

func splitPatterns(list []string) (hosts []string, nets []netip.Prefix) {
	for _, entry := range list {
		if prefix, err := config.ParsePrefix(entry); err == nil {
			nets = append(nets, prefix)
			continue
		}
		hosts = append(hosts, strings.ToLower(strings.TrimSuffix(entry, ".")))
	}
	return hosts, nets
}

// Check applies the deny list, then the allow list, to a host name or IP
// literal. A configured allow list fails closed.
func (p *Policy) Check(host string) error {
	host = strings.ToLower(strings.TrimSuffix(strings.Trim(host, "[]"), "."))
	addr, err := netip.ParseAddr(host)
	isIP := err == nil

	if matchGlob(p.denyHosts, host) {
		return fmt.Errorf("%w: %s", model.ErrBlockedTarget, host)
	}
	if isIP {
		if err := p.CheckIP(addr); err != nil {
			return err
		}
	}

	if len(p.allowHosts) == 0 && len(p.allowNets) == 0 {
		return nil
	}
	if matchGlob(p.allowHosts, host) {
		return nil
	}
	if isIP && containsAddr(p.allowNets, addr) {
		return nil
	}
	return fmt.Errorf("%w: host %s is not allowed", model.ErrForbiddenTarget, host)
}

// CheckIP applies the IP deny list to a resolved address.
func (p *Policy) CheckIP(addr netip.Addr) error {
	if containsAddr(p.denyNets, addr.Unmap()) {
		return fmt.Errorf("%w: %s", errDeniedAddress, addr)
	}
	return nil
}

func matchGlob(patterns []string, host string) bool {
	for _, pattern := range patterns {
		if pattern == host {
			return true
		}
		if ok, _ := doublestar.Match(pattern, host); ok {
			return true
		}
	}
	return false
}

func containsAddr(nets []netip.Prefix, addr netip.Addr) bool {
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver parses targets and enforces the host policy.
type Resolver struct {
	policy  *Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewResolver creates a Resolver. The metrics parameter is optional; pass nil
// to disable denial counting.
func NewResolver(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		policy:  NewPolicy(cfg),
		logger:  logger.With("component", "target_resolver"),
		metrics: m,
	}
}

// Policy returns the resolver's host policy.
func (r *Resolver) Policy() *Policy {
	return r.policy
}

// Resolve parses raw and checks it against the policy. The returned
// descriptor is marked Valid only when both steps succeed.
func (r *Resolver) Resolve(raw string, mode Mode) (*Descriptor, error) {
	d, err := Parse(raw, mode)
	if err != nil {
		return nil, err
	}
	if err := r.Allow(d.Host); err != nil {
		return nil, err
	}
	d.Valid = true
	return d, nil
}

// Allow runs the policy check for host, recording and logging denials.
func (r *Resolver) Allow(host string) error {
	err := r.policy.Check(host)
	if err != nil {
		r.Deny(host, err)
	}
	return err
}

// Deny records a policy denial that was detected elsewhere, such as at dial
// time.
func (r *Resolver) Deny(host string, err error) {
	reason := DenialReason(err)
	r.logger.Warn("target denied", "host", host, "reason", reason)
	if r.metrics != nil {
		r.metrics.PolicyDenials.WithLabelValues(reason).Inc()
	}
}

// DenialReason returns a bounded label for a policy error.
func DenialReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrBlockedTarget):
		return "blocked_host"
	case errors.Is(err, errDeniedAddress):
		return "blocked_ip"
	default:
		return "not_allowed"
	}
}
