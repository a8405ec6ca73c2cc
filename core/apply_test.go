package core

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"

	"github.com/renjaku/hashike/driver"
)

// fakeDriver is an in-memory Driver that records every mutation so tests
// can assert on the exact sequence of convergence actions.
type fakeDriver struct {
	images     map[string]driver.Image
	networks   map[string]bool
	volumes    map[string]driver.Volume
	containers map[driver.Phase][]driver.Container

	waitCodes map[string]int

	pulled          []string
	removed         []string
	created         map[string]bool
	installs        int
	loadedArchives  int
	createdNetworks []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		images:     map[string]driver.Image{},
		networks:   map[string]bool{},
		volumes:    map[string]driver.Volume{},
		containers: map[driver.Phase][]driver.Container{},
		waitCodes:  map[string]int{},
		created:    map[string]bool{},
	}
}

func (d *fakeDriver) GetImages() ([]driver.Image, error) {
	images := make([]driver.Image, 0, len(d.images))
	for _, img := range d.images {
		images = append(images, img)
	}
	return images, nil
}

func (d *fakeDriver) Pull(ref string) (driver.Image, error) {
	d.pulled = append(d.pulled, ref)
	img, ok := d.images[ref]
	if !ok {
		return driver.Image{}, errors.Errorf("manifest unknown: %s", ref)
	}
	return img, nil
}

func (d *fakeDriver) LoadDockerArchive(r io.Reader) error {
	d.loadedArchives++
	return nil
}

func (d *fakeDriver) CreateNetwork(name string) error {
	if d.networks[name] {
		return errors.Wrap(driver.ErrNetworkAlreadyExists, name)
	}
	d.networks[name] = true
	d.createdNetworks = append(d.createdNetworks, name)
	return nil
}

func (d *fakeDriver) GetVolume(name string) (driver.Volume, error) {
	vol, ok := d.volumes[name]
	if !ok {
		return driver.Volume{}, errors.Wrap(driver.ErrVolumeNotFound, name)
	}
	return vol, nil
}

func (d *fakeDriver) CreateVolume(name string) (driver.Volume, error) {
	vol := driver.Volume{Type: driver.VolumeTypeVolume, Source: name}
	d.volumes[name] = vol
	return vol, nil
}

func (d *fakeDriver) GetManagedContainers(phase driver.Phase) ([]driver.Container, error) {
	return append([]driver.Container{}, d.containers[phase]...), nil
}

func (d *fakeDriver) RemoveContainers(names []string) error {
	for _, name := range names {
		d.removed = append(d.removed, name)
		for phase, containers := range d.containers {
			kept := make([]driver.Container, 0, len(containers))
			for _, c := range containers {
				if c.Name != name {
					kept = append(kept, c)
				}
			}
			d.containers[phase] = kept
		}
	}
	return nil
}

func (d *fakeDriver) RunContainer(c driver.Container, phase driver.Phase) error {
	d.created[c.Name] = true
	d.containers[phase] = append(d.containers[phase], c)
	return nil
}

func (d *fakeDriver) ContainerStatus(name string) (driver.ContainerStatus, error) {
	return driver.ContainerStatus{Running: true}, nil
}

func (d *fakeDriver) WaitContainer(name string) (int, error) {
	return d.waitCodes[name], nil
}

// installerDriver layers the optional host-setup hook over fakeDriver.
type installerDriver struct {
	*fakeDriver
}

func (d *installerDriver) Install() error {
	d.installs++
	return nil
}

func testApplier(d driver.Driver, networks []string) *Applier {
	a := NewApplier(d, networks)
	a.sleep = func(time.Duration) {}
	return a
}

func nginxImage() driver.Image {
	return driver.Image{
		ID:          "sha256:2b1e9c",
		References:  []string{"nginx:alpine-slim"},
		Environment: []driver.EnvVar{{Name: "PATH", Value: "/usr/local/sbin:/usr/sbin"}},
		Entrypoint:  []string{"/docker-entrypoint.sh"},
		Command:     []string{"nginx", "-g", "daemon off;"},
	}
}

const webManifest = `
spec:
  containers:
  - name: web
    image: nginx:alpine-slim
    ports:
    - containerPort: 80
`

func apply(t *testing.T, a *Applier, doc string) *ApplyResult {
	t.Helper()
	result, err := a.Apply(strings.NewReader(doc))
	assert.NilError(t, err)
	return result
}

func TestApplyCreatesDeclaredContainers(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	a := testApplier(d, nil)

	result := apply(t, a, webManifest)

	assert.Equal(t, len(result.CreatedContainers), 1)
	assert.Equal(t, len(result.RemovedContainers), 0)

	web := result.CreatedContainers[0]
	assert.Equal(t, web.Name, "web")
	assert.Equal(t, web.ImageID, "sha256:2b1e9c")
	assert.DeepEqual(t, web.Networks, []string{DefaultNetwork})
	// The host port defaults to the container port and the protocol to tcp.
	assert.DeepEqual(t, web.Ports, []driver.Port{
		{ContainerPort: 80, HostPort: 80, Protocol: "tcp"},
	})

	assert.DeepEqual(t, d.createdNetworks, []string{DefaultNetwork})
	assert.DeepEqual(t, d.containers[driver.PhaseMain], result.CreatedContainers)
}

func TestApplyIsIdempotent(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	a := testApplier(d, nil)

	apply(t, a, webManifest)
	result := apply(t, a, webManifest)

	assert.Equal(t, len(result.RemovedInitContainers), 0)
	assert.Equal(t, len(result.CreatedInitContainers), 0)
	assert.Equal(t, len(result.RemovedContainers), 0)
	assert.Equal(t, len(result.CreatedContainers), 0)
	assert.Equal(t, len(d.removed), 0)
}

func TestApplyToleratesExistingDefaultNetwork(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	d.networks[DefaultNetwork] = true
	a := testApplier(d, nil)

	result := apply(t, a, webManifest)
	assert.Equal(t, len(result.CreatedContainers), 1)
	assert.Equal(t, len(d.createdNetworks), 0)
}

func TestApplyUsesCallerNetworks(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	a := testApplier(d, []string{"frontend", "backend"})

	result := apply(t, a, webManifest)
	// Caller-supplied networks are used as-is, sorted into canonical order,
	// and the default network is never created.
	assert.DeepEqual(t, result.CreatedContainers[0].Networks, []string{"backend", "frontend"})
	assert.Equal(t, len(d.createdNetworks), 0)
}

func TestApplyReplacesContainerWhenEnvChanges(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	a := testApplier(d, nil)

	apply(t, a, webManifest)

	changed := `
spec:
  containers:
  - name: web
    image: nginx:alpine-slim
    ports:
    - containerPort: 80
    env:
    - name: APP_ENV
      value: production
`
	result := apply(t, a, changed)

	assert.Equal(t, len(result.RemovedContainers), 1)
	assert.Equal(t, len(result.CreatedContainers), 1)
	assert.DeepEqual(t, d.removed, []string{"web"})

	assert.DeepEqual(t, result.RemovedContainers[0].Environment, []driver.EnvVar{
		{Name: "PATH", Value: "/usr/local/sbin:/usr/sbin"},
	})
	assert.DeepEqual(t, result.CreatedContainers[0].Environment, []driver.EnvVar{
		{Name: "APP_ENV", Value: "production"},
		{Name: "PATH", Value: "/usr/local/sbin:/usr/sbin"},
	})
}

func TestApplyManifestEnvOverridesImageEnv(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	a := testApplier(d, nil)

	doc := `
spec:
  containers:
  - name: web
    image: nginx:alpine-slim
    env:
    - name: PATH
      value: /opt/bin
`
	result := apply(t, a, doc)
	assert.DeepEqual(t, result.CreatedContainers[0].Environment, []driver.EnvVar{
		{Name: "PATH", Value: "/opt/bin"},
	})
}

func TestApplyInheritsImageEntrypointAndCommand(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	a := testApplier(d, nil)

	result := apply(t, a, webManifest)
	web := result.CreatedContainers[0]
	assert.DeepEqual(t, web.Entrypoint, []string{"/docker-entrypoint.sh"})
	assert.DeepEqual(t, web.Command, []string{"nginx", "-g", "daemon off;"})
}

func TestApplyCommandOverridesImage(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	a := testApplier(d, nil)

	doc := `
spec:
  containers:
  - name: web
    image: nginx:alpine-slim
    command: ["/bin/sh"]
    args: ["-c", "sleep infinity"]
`
	result := apply(t, a, doc)
	web := result.CreatedContainers[0]
	assert.DeepEqual(t, web.Entrypoint, []string{"/bin/sh"})
	assert.DeepEqual(t, web.Command, []string{"-c", "sleep infinity"})
}

func TestApplyProvisionsVolumes(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	a := testApplier(d, nil)

	doc := `
spec:
  containers:
  - name: web
    image: nginx:alpine-slim
    volumeMounts:
    - name: static
      mountPath: /usr/share/nginx/html
    - name: cache
      mountPath: /var/cache/nginx
  volumes:
  - name: static
    hostPath:
      path: /srv/static
  - name: cache
    emptyDir: {}
`
	result := apply(t, a, doc)
	assert.DeepEqual(t, result.CreatedContainers[0].Mounts, []driver.Volume{
		{Type: driver.VolumeTypeBind, Source: "/srv/static", Target: "/usr/share/nginx/html"},
		{Type: driver.VolumeTypeVolume, Source: "cache", Target: "/var/cache/nginx"},
	})

	// The named volume was created; re-applying finds it instead.
	_, ok := d.volumes["cache"]
	assert.Assert(t, ok)
	again := apply(t, a, doc)
	assert.Equal(t, len(again.CreatedContainers), 0)
}

func TestApplyRejectsUndeclaredVolumeMount(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	a := testApplier(d, nil)

	doc := `
spec:
  containers:
  - name: web
    image: nginx:alpine-slim
    volumeMounts:
    - name: missing
      mountPath: /data
`
	_, err := a.Apply(strings.NewReader(doc))
	assert.ErrorIs(t, err, ErrUnknownVolume)
	assert.Equal(t, len(d.created), 0)
}

func TestApplyFailsWhenImageUnresolvable(t *testing.T) {
	d := newFakeDriver()
	a := testApplier(d, nil)

	_, err := a.Apply(strings.NewReader(webManifest))
	assert.ErrorContains(t, err, "manifest unknown")
	// No host mutation happened.
	assert.Equal(t, len(d.createdNetworks), 0)
	assert.Equal(t, len(d.created), 0)
}

func TestApplyRunsInstallerOnce(t *testing.T) {
	d := &installerDriver{fakeDriver: newFakeDriver()}
	d.images["nginx:alpine-slim"] = nginxImage()
	a := testApplier(d, nil)

	apply(t, a, webManifest)
	assert.Equal(t, d.installs, 1)
}

const initManifest = `
spec:
  initContainers:
  - name: migrate
    image: app-migrate:1.0.0
  containers:
  - name: web
    image: nginx:alpine-slim
  - name: worker
    image: nginx:alpine-slim
    args: ["worker"]
`

func TestApplyInitContainerDefaults(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	d.images["app-migrate:1.0.0"] = driver.Image{ID: "sha256:917f3a"}
	a := testApplier(d, nil)

	result := apply(t, a, initManifest)

	// The spec-level default of Always does not carry over to init
	// containers, which run to completion.
	assert.Equal(t, result.CreatedInitContainers[0].RestartPolicy, driver.RestartPolicyOnFailure)
	assert.Equal(t, result.CreatedContainers[0].RestartPolicy, driver.RestartPolicyAlways)
}

func TestApplyInitChangeReplacesAllMainContainers(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	d.images["app-migrate:1.0.0"] = driver.Image{ID: "sha256:917f3a"}
	a := testApplier(d, nil)

	apply(t, a, initManifest)

	changed := strings.Replace(initManifest, "app-migrate:1.0.0", "app-migrate:2.0.0", 1)
	d.images["app-migrate:2.0.0"] = driver.Image{ID: "sha256:5c44d0"}

	result := apply(t, a, changed)

	assert.Equal(t, len(result.RemovedInitContainers), 1)
	assert.Equal(t, len(result.CreatedInitContainers), 1)
	// Both main containers are replaced even though their own specs are
	// byte-identical to what is running.
	assert.Equal(t, len(result.RemovedContainers), 2)
	assert.Equal(t, len(result.CreatedContainers), 2)
	assert.DeepEqual(t, result.RemovedContainers, result.CreatedContainers)
}

func TestApplyInitUnchangedLeavesInitAlone(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	d.images["app-migrate:1.0.0"] = driver.Image{ID: "sha256:917f3a"}
	a := testApplier(d, nil)

	apply(t, a, initManifest)

	changed := strings.Replace(initManifest, `args: ["worker"]`, `args: ["worker", "-v"]`, 1)
	result := apply(t, a, changed)

	assert.Equal(t, len(result.RemovedInitContainers), 0)
	assert.Equal(t, len(result.CreatedInitContainers), 0)
	assert.Equal(t, len(result.RemovedContainers), 1)
	assert.Equal(t, len(result.CreatedContainers), 1)
	assert.Equal(t, result.RemovedContainers[0].Name, "worker")
}

func TestApplyInitFailureAbortsMainPhase(t *testing.T) {
	d := newFakeDriver()
	d.images["nginx:alpine-slim"] = nginxImage()
	d.images["app-migrate:1.0.0"] = driver.Image{ID: "sha256:917f3a"}
	d.waitCodes["migrate"] = 3
	a := testApplier(d, nil)

	_, err := a.Apply(strings.NewReader(initManifest))

	var initErr *InitContainerFailedError
	assert.Assert(t, errors.As(err, &initErr))
	assert.Equal(t, initErr.Name, "migrate")
	assert.ErrorContains(t, err, "exited with status 3")

	// The pass stopped before the main phase.
	assert.Equal(t, len(d.containers[driver.PhaseMain]), 0)
}
