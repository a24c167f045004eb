// Package validate holds input validation shared by the registry client,
// installer, and connection management.
package validate

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// IdentRe matches tool and connection identifiers: leading alphanumeric,
// then alphanumerics, dots, hyphens, or underscores.
var IdentRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// MaxIdentLen caps identifier length.
const MaxIdentLen = 128

// Ident reports whether s is a valid identifier.
func Ident(s string) bool {
	return len(s) > 0 && len(s) <= MaxIdentLen && IdentRe.MatchString(s)
}

// dataverseHostRe matches Dataverse environment hosts such as
// org.crm.dynamics.com or org.crm4.dynamics.com.
var dataverseHostRe = regexp.MustCompile(`\.crm\d*\.dynamics`)

// DataverseURL checks that raw is an https URL pointing at a Dataverse
// environment host.
func DataverseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid environment URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("environment URL must use https: %s", raw)
	}
	if !dataverseHostRe.MatchString(u.Host) {
		return fmt.Errorf("environment URL does not look like a Dataverse host: %s", u.Host)
	}
	return nil
}

// HTTPURL ensures raw uses http or https and names a host. Blocks file://,
// ftp:// and similar schemes before any fetch is attempted.
func HTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return fmt.Errorf("URL missing scheme: %s", raw)
	default:
		return fmt.Errorf("URL scheme %q not allowed (only http/https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL missing host: %s", raw)
	}
	return nil
}

// RejectPrivateURL refuses URLs whose host is a loopback, link-local,
// RFC-1918, or unspecified address, or the literal "localhost". Only IP
// literals are inspected; DNS resolution is a transport concern.
func RejectPrivateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("URL host %q is a private/internal address", host)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("URL host %q is a private/internal address", host)
	}
	return nil
}
