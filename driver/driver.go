package driver

import (
	"io"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrNetworkAlreadyExists is returned by CreateNetwork when a network of
	// the requested name is already present. Callers treat this as success.
	ErrNetworkAlreadyExists = errors.New("network already exists")

	// ErrVolumeNotFound is returned by GetVolume when no named volume exists.
	// Callers recover by creating the volume.
	ErrVolumeNotFound = errors.New("volume not found")

	// ErrDriverNotFound is returned by Get for an unregistered driver key.
	ErrDriverNotFound = errors.New("driver not found")
)

// ContainerStatus is a point-in-time observation of a container's runtime
// state, used by the init-container readiness poll.
type ContainerStatus struct {
	Running  bool
	Exited   bool
	ExitCode int
}

// Driver is the complete contract a runtime backend must satisfy. Every
// implementation must reconstruct Containers from live state with the same
// canonical field ordering the manifest side uses, or diffing will report
// spurious churn.
type Driver interface {
	// GetImages lists every image present in the backend's store.
	GetImages() ([]Image, error)

	// Pull fetches an image by registry reference and returns it.
	Pull(ref string) (Image, error)

	// LoadDockerArchive imports every image in a docker archive stream.
	LoadDockerArchive(r io.Reader) error

	// CreateNetwork creates a bridge network, or fails with
	// ErrNetworkAlreadyExists.
	CreateNetwork(name string) error

	// GetVolume looks up a named volume, or fails with ErrVolumeNotFound.
	GetVolume(name string) (Volume, error)

	// CreateVolume creates and returns a named volume.
	CreateVolume(name string) (Volume, error)

	// GetManagedContainers lists the containers this tool manages in the
	// given phase, reconstructed from live inspection data.
	GetManagedContainers(phase Phase) ([]Container, error)

	// RemoveContainers force-removes containers by name. Names that are
	// already gone are skipped, not errors.
	RemoveContainers(names []string) error

	// RunContainer creates and starts a container tagged with the phase
	// marker. It is attached to c.Networks[0] at creation and to the
	// remaining networks, in order, immediately after start.
	RunContainer(c Container, phase Phase) error

	// ContainerStatus samples a container's live status by name.
	ContainerStatus(name string) (ContainerStatus, error)

	// WaitContainer blocks until the named container exits and returns its
	// exit code.
	WaitContainer(name string) (int, error)
}

// Installer is implemented by drivers that need one-time host setup before
// they can converge anything. Drivers without setup simply don't implement
// it.
type Installer interface {
	Install() error
}

var registry = map[string]func() (Driver, error){}

// Register adds a driver factory under a key. Built-in drivers register
// themselves at process start; custom drivers may be registered before Get
// is called.
func Register(key string, factory func() (Driver, error)) {
	registry[key] = factory
}

// Get constructs the driver registered under key, or fails with
// ErrDriverNotFound.
func Get(key string) (Driver, error) {
	factory, ok := registry[key]
	if !ok {
		return nil, errors.Wrap(ErrDriverNotFound, key)
	}
	return factory()
}

// Keys returns the registered driver keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for key := range registry {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
