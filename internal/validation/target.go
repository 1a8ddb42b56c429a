package validation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrEmptyTarget   = errors.New("Domain is required")
	ErrInvalidDomain = errors.New("invalid domain")
	ErrPrivateTarget = errors.New("scanning private/local targets is not allowed")
)

// MaxDomainLength matches the assets.domain column.
const MaxDomainLength = 128

var domainRegex = regexp.MustCompile(`^([a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

var privateSuffixes = []string{
	".local",
	".internal",
	".lan",
	".test",
	".localhost",
	".invalid",
}

// NormalizeDomain turns user input into the bare, lower-case apex or
// subdomain the recon tools expect. A URL is accepted and reduced to its
// host; IPs, private names and anything that is not a DNS name are rejected.
func NormalizeDomain(input string) (string, error) {
	target := strings.TrimSpace(input)
	if target == "" {
		return "", ErrEmptyTarget
	}

	if strings.Contains(target, "://") {
		parsed, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidDomain, err)
		}
		target = parsed.Hostname()
	} else if host, _, err := net.SplitHostPort(target); err == nil {
		target = host
	}

	target = strings.TrimSuffix(strings.ToLower(target), ".")

	if isPrivateHost(target) {
		return "", fmt.Errorf("%w: %s", ErrPrivateTarget, target)
	}
	if net.ParseIP(target) != nil {
		return "", fmt.Errorf("%w: %s is an IP address", ErrInvalidDomain, target)
	}
	if len(target) > MaxDomainLength || !domainRegex.MatchString(target) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, input)
	}
	return target, nil
}

func isPrivateHost(host string) bool {
	if host == "localhost" {
		return true
	}
	for _, suffix := range privateSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
