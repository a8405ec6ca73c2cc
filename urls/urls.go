// Package urls models the source locations this tool reads from: manifest
// files, S3 objects, and image references written in the pod-manifest
// grammar.
package urls

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// URL is a parsed source location. It is deliberately smaller than
// net/url.URL: only the components the image-reference grammar and the
// source openers need.
type URL struct {
	Scheme string
	Host   string // hostname only, without port
	Port   int
	Path   string
}

// Parse splits a URL string into its components.
func Parse(raw string) (URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return URL{}, errors.Wrapf(err, "invalid URL %q", raw)
	}

	port := 0
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return URL{}, errors.Wrapf(err, "invalid port in URL %q", raw)
		}
	}

	return URL{
		Scheme: parsed.Scheme,
		Host:   parsed.Hostname(),
		Port:   port,
		Path:   parsed.Path,
	}, nil
}

// HostPort renders the host component including the port when one is set.
func (u URL) HostPort() string {
	if u.Port != 0 {
		return fmt.Sprintf("%s:%d", u.Host, u.Port)
	}
	return u.Host
}

func (u URL) String() string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	}
	b.WriteString(u.HostPort())
	b.WriteString(u.Path)
	return b.String()
}

// ParseImageRef parses an image reference written in the manifest grammar:
// a full scheme://host/path URL, or one of the schemeless shorthands
// `name`, `name:tag`, `host.tld/path`, `host:port/path`. Whether the first
// segment of a schemeless reference is a host is inferred from whether it
// contains a dot or colon; a bare name is a registry-relative path.
func ParseImageRef(ref string) (URL, error) {
	if parsed, err := url.Parse(ref); err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return Parse(ref)
	}

	parts := strings.Split(strings.TrimLeft(ref, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return URL{}, errors.Errorf("invalid image reference %q", ref)
	}

	if len(parts) > 1 && strings.ContainsAny(parts[0], ".:") {
		// First segment looks like a host (or host:port).
		return Parse("//" + ref)
	}

	// A bare name or registry-relative path has no authority. net/url cannot
	// express that: a scheme-less URL starting with "///" keeps every slash
	// in the path instead of reading an empty authority.
	return URL{Path: "/" + strings.Join(parts, "/")}, nil
}
