// Package core contains the reconciliation engine: spec construction from
// manifests, the diff algorithm, and the apply orchestrator that converges
// a host to the declared container set in one pass.
package core

import (
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/renjaku/hashike/driver"
	"github.com/renjaku/hashike/manifest"
	"github.com/renjaku/hashike/puller"
	"github.com/renjaku/hashike/urls"
)

// DefaultNetwork is created and used when the caller supplies no explicit
// network list.
const DefaultNetwork = "hashike"

// ErrUnknownVolume is returned when a volume mount references a volume not
// declared in the manifest.
var ErrUnknownVolume = errors.New("volume not declared in manifest")

// ApplyResult enumerates the convergence actions one pass performed, in
// the order they were applied.
type ApplyResult struct {
	RemovedInitContainers []driver.Container `json:"removed_init_containers"`
	CreatedInitContainers []driver.Container `json:"created_init_containers"`
	RemovedContainers     []driver.Container `json:"removed_containers"`
	CreatedContainers     []driver.Container `json:"created_containers"`
}

// Applier performs one converge-and-exit pass against a single driver.
// It is not safe to run two appliers against the same host concurrently.
type Applier struct {
	Driver   driver.Driver
	Networks []string

	// sleep and status are seams for the readiness poll so tests can
	// simulate time and container state.
	sleep  func(time.Duration)
	status func(name string) (driver.ContainerStatus, error)
}

// NewApplier prepares a convergence pass using the given driver. networks,
// when non-empty, lists existing networks containers attach to instead of
// the default network.
func NewApplier(d driver.Driver, networks []string) *Applier {
	return &Applier{
		Driver:   d,
		Networks: networks,
		sleep:    time.Sleep,
		status:   d.ContainerStatus,
	}
}

// Apply reads a manifest and converges the host to it: resolve images,
// provision the network and volumes, reconcile init containers to
// readiness, then reconcile main containers. Removals always precede
// creations so names and ports are freed before reuse. A failed init
// container aborts the pass before any main container is touched.
func (a *Applier) Apply(file io.Reader) (*ApplyResult, error) {
	m, err := manifest.Load(file)
	if err != nil {
		return nil, err
	}

	if installer, ok := a.Driver.(driver.Installer); ok {
		if err := installer.Install(); err != nil {
			return nil, errors.Wrap(err, "install driver")
		}
	}

	log.Info("Resolving images.")
	images, err := a.resolveImages(m)
	if err != nil {
		return nil, err
	}

	networks, err := a.provisionNetworks()
	if err != nil {
		return nil, err
	}

	volumes, err := a.provisionVolumes(m)
	if err != nil {
		return nil, err
	}

	builder := specBuilder{
		images:        images,
		volumes:       volumes,
		networks:      networks,
		restartPolicy: m.Spec.RestartPolicy,
	}
	desiredInit, err := builder.containers(m.Spec.InitContainers, true)
	if err != nil {
		return nil, err
	}
	desiredMain, err := builder.containers(m.Spec.Containers, false)
	if err != nil {
		return nil, err
	}

	existingInit, err := a.Driver.GetManagedContainers(driver.PhaseInit)
	if err != nil {
		return nil, errors.Wrap(err, "list init containers")
	}
	existingMain, err := a.Driver.GetManagedContainers(driver.PhaseMain)
	if err != nil {
		return nil, errors.Wrap(err, "list containers")
	}

	var result ApplyResult
	removedInit, createdInit := Diff(existingInit, desiredInit)
	if len(removedInit) == 0 && len(createdInit) == 0 {
		// The init set is unchanged: leave init containers alone and
		// reconcile main containers against what is running now.
		result.RemovedInitContainers = removedInit
		result.CreatedInitContainers = createdInit
		result.RemovedContainers, result.CreatedContainers = Diff(existingMain, desiredMain)
	} else {
		// Any init change invalidates the main phase's assumptions, so
		// every main container is replaced even if its own spec is
		// unchanged.
		log.WithFields(log.Fields{
			"removed": len(removedInit),
			"created": len(createdInit),
		}).Info("Init container set changed; replacing all main containers.")
		result.RemovedInitContainers = removedInit
		result.CreatedInitContainers = createdInit
		result.RemovedContainers = existingMain
		result.CreatedContainers = desiredMain
	}

	if len(result.RemovedInitContainers) > 0 {
		log.WithField("count", len(result.RemovedInitContainers)).Info("Removing init containers.")
		if err := a.Driver.RemoveContainers(containerNames(result.RemovedInitContainers)); err != nil {
			return nil, errors.Wrap(err, "remove init containers")
		}
	}
	for _, c := range result.CreatedInitContainers {
		log.WithField("containerName", c.Name).Info("Starting init container.")
		if err := a.Driver.RunContainer(c, driver.PhaseInit); err != nil {
			return nil, errors.Wrapf(err, "run init container %s", c.Name)
		}
		if err := a.awaitInit(c); err != nil {
			return nil, err
		}
	}

	if len(result.RemovedContainers) > 0 {
		log.WithField("count", len(result.RemovedContainers)).Info("Removing containers.")
		if err := a.Driver.RemoveContainers(containerNames(result.RemovedContainers)); err != nil {
			return nil, errors.Wrap(err, "remove containers")
		}
	}
	for _, c := range result.CreatedContainers {
		log.WithField("containerName", c.Name).Info("Starting container.")
		if err := a.Driver.RunContainer(c, driver.PhaseMain); err != nil {
			return nil, errors.Wrapf(err, "run container %s", c.Name)
		}
	}

	return &result, nil
}

func containerNames(containers []driver.Container) []string {
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		names = append(names, c.Name)
	}
	return names
}

// resolveImages resolves every declared image reference concurrently.
// Resolution is all-or-nothing: any failure aborts the pass before the
// host is mutated.
func (a *Applier) resolveImages(m *manifest.Manifest) (map[string]driver.Image, error) {
	refs := make([]string, 0)
	seen := map[string]bool{}
	for _, c := range append(append([]manifest.Container{}, m.Spec.InitContainers...), m.Spec.Containers...) {
		if !seen[c.Image] {
			seen[c.Image] = true
			refs = append(refs, c.Image)
		}
	}

	type resolution struct {
		ref   string
		image driver.Image
		err   error
	}
	results := make(chan resolution, len(refs))
	for _, ref := range refs {
		go func(ref string) {
			image, err := a.resolveImage(ref)
			results <- resolution{ref: ref, image: image, err: err}
		}(ref)
	}

	images := make(map[string]driver.Image, len(refs))
	var firstErr error
	for range refs {
		r := <-results
		if r.err != nil {
			log.WithError(r.err).WithField("ref", r.ref).Error("Image resolution failed.")
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		log.WithFields(log.Fields{"ref": r.ref, "imageID": r.image.ID}).Debug("Image resolved.")
		images[r.ref] = r.image
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return images, nil
}

func (a *Applier) resolveImage(ref string) (driver.Image, error) {
	u, err := urls.ParseImageRef(ref)
	if err != nil {
		return driver.Image{}, err
	}
	resolve, err := puller.Get(u.Scheme)
	if err != nil {
		return driver.Image{}, err
	}
	return resolve(u, a.Driver)
}

// provisionNetworks returns the caller's network list, or creates (or
// accepts the already-existing) default network and uses it alone.
func (a *Applier) provisionNetworks() ([]string, error) {
	if len(a.Networks) > 0 {
		return a.Networks, nil
	}

	err := a.Driver.CreateNetwork(DefaultNetwork)
	switch {
	case err == nil:
		log.WithField("networkName", DefaultNetwork).Info("Default network created.")
	case errors.Is(err, driver.ErrNetworkAlreadyExists):
		log.WithField("networkName", DefaultNetwork).Debug("Default network already exists.")
	default:
		return nil, errors.Wrapf(err, "create network %s", DefaultNetwork)
	}
	return []string{DefaultNetwork}, nil
}

// provisionVolumes resolves manifest volume declarations: emptyDir volumes
// are named volumes fetched or created in the backend, hostPath volumes
// become bind sources with no provisioning call.
func (a *Applier) provisionVolumes(m *manifest.Manifest) (map[string]driver.Volume, error) {
	volumes := make(map[string]driver.Volume, len(m.Spec.Volumes))
	for _, v := range m.Spec.Volumes {
		switch {
		case v.EmptyDir != nil:
			vol, err := a.Driver.GetVolume(v.Name)
			if errors.Is(err, driver.ErrVolumeNotFound) {
				log.WithField("volumeName", v.Name).Info("Creating volume.")
				vol, err = a.Driver.CreateVolume(v.Name)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "provision volume %s", v.Name)
			}
			volumes[v.Name] = vol
		case v.HostPath != nil:
			volumes[v.Name] = driver.Volume{Type: driver.VolumeTypeBind, Source: v.HostPath.Path}
		}
	}
	return volumes, nil
}

// specBuilder constructs canonical Containers from manifest fragments
// plus the resolved images and provisioned volumes.
type specBuilder struct {
	images        map[string]driver.Image
	volumes       map[string]driver.Volume
	networks      []string
	restartPolicy string
}

func (b specBuilder) containers(defs []manifest.Container, init bool) ([]driver.Container, error) {
	containers := make([]driver.Container, 0, len(defs))
	for _, def := range defs {
		c, err := b.container(def, init)
		if err != nil {
			return nil, err
		}
		containers = append(containers, c)
	}
	return containers, nil
}

func (b specBuilder) container(def manifest.Container, init bool) (driver.Container, error) {
	image := b.images[def.Image]

	entrypoint := def.Command
	if def.Command == nil {
		entrypoint = image.Entrypoint
	}
	command := def.Args
	if def.Args == nil {
		command = image.Command
	}

	ports := make([]driver.Port, 0, len(def.Ports))
	for _, p := range def.Ports {
		hostPort := p.HostPort
		if hostPort == 0 {
			hostPort = p.ContainerPort
		}
		protocol := p.Protocol
		if protocol == "" {
			protocol = "tcp"
		}
		ports = append(ports, driver.Port{
			ContainerPort: p.ContainerPort,
			HostIP:        p.HostIP,
			HostPort:      hostPort,
			Protocol:      protocol,
		})
	}
	driver.SortPorts(ports)

	overrides := make([]driver.EnvVar, 0, len(def.Env))
	for _, e := range def.Env {
		overrides = append(overrides, driver.EnvVar{Name: e.Name, Value: e.Value})
	}
	environment := mergeEnvs(image.Environment, overrides)

	defaultPolicy := b.restartPolicy
	if defaultPolicy == "" {
		defaultPolicy = driver.RestartPolicyAlways
	}
	// An init container is a run-to-completion task, not a service, so the
	// Always default does not carry over to it.
	if init && defaultPolicy == driver.RestartPolicyAlways {
		defaultPolicy = driver.RestartPolicyOnFailure
	}
	policy := def.RestartPolicy
	if policy == "" {
		policy = defaultPolicy
	}

	networks := append([]string{}, b.networks...)
	sort.Strings(networks)

	mounts := make([]driver.Volume, 0, len(def.VolumeMounts))
	for _, m := range def.VolumeMounts {
		vol, ok := b.volumes[m.Name]
		if !ok {
			return driver.Container{}, errors.Wrapf(ErrUnknownVolume,
				"container %q mounts %q", def.Name, m.Name)
		}
		mounts = append(mounts, driver.Volume{
			Type:   vol.Type,
			Source: vol.Source,
			Target: m.MountPath,
		})
	}
	driver.SortVolumes(mounts)

	return driver.Container{
		Name:          def.Name,
		ImageID:       image.ID,
		Entrypoint:    entrypoint,
		Command:       command,
		Environment:   environment,
		Ports:         ports,
		RestartPolicy: policy,
		Networks:      networks,
		Mounts:        mounts,
	}, nil
}

// mergeEnvs folds environment sources into one sorted set keyed by
// variable name. Later sources win, so a manifest entry replaces an image
// default of the same name rather than surviving alongside it.
func mergeEnvs(sources ...[]driver.EnvVar) []driver.EnvVar {
	byName := map[string]string{}
	for _, source := range sources {
		for _, e := range source {
			byName[e.Name] = e.Value
		}
	}

	merged := make([]driver.EnvVar, 0, len(byName))
	for name, value := range byName {
		merged = append(merged, driver.EnvVar{Name: name, Value: value})
	}
	driver.SortEnvVars(merged)
	return merged
}
