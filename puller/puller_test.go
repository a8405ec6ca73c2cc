package puller

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"

	"github.com/renjaku/hashike/driver"
	"github.com/renjaku/hashike/urls"
)

// pullDriver records pull and load calls and serves a fixed image store.
type pullDriver struct {
	images []driver.Image
	pulls  []string
	loads  int
}

func (d *pullDriver) GetImages() ([]driver.Image, error) {
	return append([]driver.Image{}, d.images...), nil
}

func (d *pullDriver) Pull(ref string) (driver.Image, error) {
	d.pulls = append(d.pulls, ref)
	return driver.Image{ID: "sha256:feed", References: []string{ref}}, nil
}

func (d *pullDriver) LoadDockerArchive(r io.Reader) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	d.loads++
	return nil
}

func (d *pullDriver) CreateNetwork(string) error { return errors.New("not implemented") }
func (d *pullDriver) GetVolume(string) (driver.Volume, error) {
	return driver.Volume{}, errors.New("not implemented")
}
func (d *pullDriver) CreateVolume(string) (driver.Volume, error) {
	return driver.Volume{}, errors.New("not implemented")
}
func (d *pullDriver) GetManagedContainers(driver.Phase) ([]driver.Container, error) {
	return nil, errors.New("not implemented")
}
func (d *pullDriver) RemoveContainers([]string) error          { return errors.New("not implemented") }
func (d *pullDriver) RunContainer(driver.Container, driver.Phase) error {
	return errors.New("not implemented")
}
func (d *pullDriver) ContainerStatus(string) (driver.ContainerStatus, error) {
	return driver.ContainerStatus{}, errors.New("not implemented")
}
func (d *pullDriver) WaitContainer(string) (int, error) { return 0, errors.New("not implemented") }

func TestGetUnknownScheme(t *testing.T) {
	_, err := Get("git+ssh")
	assert.ErrorIs(t, err, ErrUnresolvedReference)
}

func TestGetRegisteredSchemes(t *testing.T) {
	for _, scheme := range []string{"", "docker-archive+s3"} {
		_, err := Get(scheme)
		assert.NilError(t, err)
	}
}

func TestPullFromRegistryRefForms(t *testing.T) {
	cases := []struct {
		ref  string
		want string
	}{
		{"nginx", "nginx:latest"},
		{"nginx:alpine", "nginx:alpine"},
		{"library/nginx", "library/nginx:latest"},
		{"docker.io/library/nginx", "docker.io/library/nginx:latest"},
		{"example.com:8000/apps/web:1.2.0", "example.com:8000/apps/web:1.2.0"},
		// A tagless reference whose host carries a port must not mistake the
		// port separator for a tag separator.
		{"example.com:8000/apps/web", "example.com:8000/apps/web:latest"},
	}

	for _, tc := range cases {
		t.Run(tc.ref, func(t *testing.T) {
			d := &pullDriver{}
			u, err := urls.ParseImageRef(tc.ref)
			assert.NilError(t, err)

			_, err = PullFromRegistry(u, d)
			assert.NilError(t, err)
			assert.DeepEqual(t, d.pulls, []string{tc.want})
		})
	}
}

func TestPullFromRegistryEmptyPath(t *testing.T) {
	_, err := PullFromRegistry(urls.URL{}, &pullDriver{})
	assert.ErrorIs(t, err, ErrUnresolvedReference)
}
