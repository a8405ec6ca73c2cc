// Package puller maps image-reference URL schemes to resolution functions
// that turn a reference into a concrete, already-available image.
package puller

import (
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/renjaku/hashike/driver"
	"github.com/renjaku/hashike/urls"
)

// Puller resolves an image reference into an image present in the driver's
// store. The returned image ID must be content-addressed and stable, since
// container diffing compares by ID.
type Puller func(u urls.URL, d driver.Driver) (driver.Image, error)

// ErrUnresolvedReference is returned when no puller is registered for a
// reference's scheme, or when a puller cannot locate the referenced image.
var ErrUnresolvedReference = errors.New("unresolved image reference")

var registry = map[string]Puller{}

// Register adds a puller for a URL scheme. The empty scheme handles
// schemeless references. New schemes are supported by registering a puller,
// never by modifying the orchestrator.
func Register(scheme string, p Puller) {
	registry[scheme] = p
}

// Get returns the puller for a scheme, or fails with
// ErrUnresolvedReference.
func Get(scheme string) (Puller, error) {
	p, ok := registry[scheme]
	if !ok {
		return nil, errors.Wrapf(ErrUnresolvedReference, "no puller registered for scheme %q", scheme)
	}
	return p, nil
}

func init() {
	Register("", PullFromRegistry)
}

// PullFromRegistry resolves a schemeless reference as a registry pull,
// defaulting the tag to "latest" when the reference carries none.
func PullFromRegistry(u urls.URL, d driver.Driver) (driver.Image, error) {
	if u.Path == "" {
		return driver.Image{}, errors.Wrap(ErrUnresolvedReference, "image reference has no path")
	}

	ref := strings.TrimPrefix(u.Path, "/")
	if host := u.HostPort(); host != "" {
		ref = host + "/" + ref
	}
	if !strings.Contains(path.Base(ref), ":") {
		ref += ":latest"
	}

	return d.Pull(ref)
}
