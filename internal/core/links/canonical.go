package links

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.com/lueurxax/feedradar/internal/core/domain"
	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
)

const (
	schemeHTTP       = "http"
	schemeHTTPS      = "https"
	schemeSeparator  = "://"
	defaultPortHTTP  = "80"
	defaultPortHTTPS = "443"
	rootPath         = "/"
	hexDigits        = "0123456789ABCDEF"
)

// Normalize parses a user-supplied URL string into its canonical form.
// A missing scheme defaults to https. Anything that is not an http(s) URL with
// a host fails with ErrMalformedInput.
func Normalize(raw string) (domain.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.URL{}, fmt.Errorf("%w: empty url", ferrors.ErrMalformedInput)
	}

	if !hasScheme(raw) {
		raw = schemeHTTPS + schemeSeparator + strings.TrimPrefix(raw, "//")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return domain.URL{}, fmt.Errorf("%w: %w", ferrors.ErrMalformedInput, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != schemeHTTP && scheme != schemeHTTPS {
		return domain.URL{}, fmt.Errorf("%w: unsupported scheme %q", ferrors.ErrMalformedInput, parsed.Scheme)
	}

	host, err := normalizeHost(parsed.Hostname())
	if err != nil {
		return domain.URL{}, err
	}

	return domain.URL{
		Scheme:   scheme,
		Host:     host,
		Port:     normalizePort(scheme, parsed.Port()),
		Path:     normalizePath(parsed.Path),
		RawQuery: escapeUnsafe(parsed.RawQuery),
		Fragment: parsed.Fragment,
	}, nil
}

// MustNormalize is Normalize for literals known to be valid. It panics otherwise.
func MustNormalize(raw string) domain.URL {
	u, err := Normalize(raw)
	if err != nil {
		panic(err)
	}

	return u
}

// hasScheme reports whether raw starts with "scheme:". A colon followed by a
// digit is read as host:port instead.
func hasScheme(raw string) bool {
	i := strings.IndexByte(raw, ':')
	if i <= 0 {
		return false
	}

	for j, c := range raw[:i] {
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isOther := (c >= '0' && c <= '9') || c == '+' || c == '-' || c == '.'

		if !isLetter && (j == 0 || !isOther) {
			return false
		}
	}

	rest := raw[i+1:]

	return rest == "" || rest[0] < '0' || rest[0] > '9'
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ferrors.ErrMalformedInput)
	}

	if net.ParseIP(host) != nil {
		return host, nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: host %q: %w", ferrors.ErrMalformedInput, host, err)
	}

	return ascii, nil
}

func normalizePort(scheme, port string) string {
	if (scheme == schemeHTTP && port == defaultPortHTTP) || (scheme == schemeHTTPS && port == defaultPortHTTPS) {
		return ""
	}

	return port
}

// normalizePath keeps the decoded path in NFC and strips trailing slashes from non-root paths.
func normalizePath(p string) string {
	p = norm.NFC.String(p)

	p = strings.TrimRight(p, rootPath)
	if p == "" {
		return rootPath
	}

	if !strings.HasPrefix(p, rootPath) {
		p = rootPath + p
	}

	return p
}

// escapeUnsafe percent-encodes bytes that may not appear literally in a query.
func escapeUnsafe(s string) string {
	var sb strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c > ' ' && c < 0x7f && c != '"' && c != '<' && c != '>' && c != '`' {
			sb.WriteByte(c)

			continue
		}

		sb.WriteByte('%')
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0x0f])
	}

	return sb.String()
}

// ResolveReference resolves href against base and returns an absolute http(s)
// URL string, or "" when href is empty or resolves to another scheme.
func ResolveReference(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || base == nil {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}

	resolved := base.ResolveReference(ref)

	scheme := strings.ToLower(resolved.Scheme)
	if (scheme != schemeHTTP && scheme != schemeHTTPS) || resolved.Host == "" {
		return ""
	}

	resolved.Scheme = scheme
	resolved.Host = strings.ToLower(resolved.Host)

	return resolved.String()
}
