package driver

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func init() {
	Register("docker", func() (Driver, error) {
		return NewDockerDriver()
	})
}

// restartPolicyNames maps between manifest spellings and Docker's.
var restartPolicyNames = map[string]string{
	RestartPolicyAlways:    "always",
	"always":               RestartPolicyAlways,
	RestartPolicyOnFailure: "on-failure",
	"on-failure":           RestartPolicyOnFailure,
}

// parseEnvList turns Docker's NAME=VALUE strings into sorted EnvVars.
func parseEnvList(raw []string) []EnvVar {
	envs := make([]EnvVar, 0, len(raw))
	for _, entry := range raw {
		name, value, _ := strings.Cut(entry, "=")
		envs = append(envs, EnvVar{Name: name, Value: value})
	}
	SortEnvVars(envs)
	return envs
}

// DockerDriver converges containers through the Docker Engine API.
type DockerDriver struct {
	cli *client.Client
}

// NewDockerDriver connects to the Docker daemon using the standard
// environment variables.
func NewDockerDriver() (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	return &DockerDriver{cli: cli}, nil
}

func (d *DockerDriver) imageFromInspect(detail types.ImageInspect) Image {
	img := Image{
		ID:         detail.ID,
		References: detail.RepoTags,
	}
	if detail.Config != nil {
		img.Environment = parseEnvList(detail.Config.Env)
		img.Entrypoint = []string(detail.Config.Entrypoint)
		img.Command = []string(detail.Config.Cmd)
	}
	return img
}

// GetImages lists every image known to the daemon, including its config.
func (d *DockerDriver) GetImages() ([]Image, error) {
	ctx := context.Background()

	summaries, err := d.cli.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "list images")
	}

	images := make([]Image, 0, len(summaries))
	for _, summary := range summaries {
		detail, _, err := d.cli.ImageInspectWithRaw(ctx, summary.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "inspect image %s", summary.ID)
		}
		images = append(images, d.imageFromInspect(detail))
	}
	return images, nil
}

// Pull fetches an image from its registry and returns the resolved Image.
func (d *DockerDriver) Pull(ref string) (Image, error) {
	ctx := context.Background()

	progress, err := d.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return Image{}, errors.Wrapf(err, "pull %s", ref)
	}
	defer progress.Close()
	if _, err := io.Copy(io.Discard, progress); err != nil {
		return Image{}, errors.Wrapf(err, "read pull progress for %s", ref)
	}
	log.WithField("ref", ref).Debug("Image pulled.")

	detail, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return Image{}, errors.Wrapf(err, "inspect image %s", ref)
	}
	return d.imageFromInspect(detail), nil
}

// LoadDockerArchive streams a docker archive into the daemon.
func (d *DockerDriver) LoadDockerArchive(r io.Reader) error {
	response, err := d.cli.ImageLoad(context.Background(), r, true)
	if err != nil {
		return errors.Wrap(err, "load archive")
	}
	defer response.Body.Close()
	if _, err := io.Copy(io.Discard, response.Body); err != nil {
		return errors.Wrap(err, "read load response")
	}
	return nil
}

// CreateNetwork creates a bridge network of the given name.
func (d *DockerDriver) CreateNetwork(name string) error {
	ctx := context.Background()

	networks, err := d.cli.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return errors.Wrap(err, "list networks")
	}
	for _, existing := range networks {
		if existing.Name == name {
			return errors.Wrap(ErrNetworkAlreadyExists, name)
		}
	}

	response, err := d.cli.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge"})
	if err != nil {
		return errors.Wrapf(err, "create network %s", name)
	}
	log.WithFields(log.Fields{"networkID": response.ID, "networkName": name}).Debug("Network created.")
	return nil
}

// GetVolume looks up a named volume.
func (d *DockerDriver) GetVolume(name string) (Volume, error) {
	detail, err := d.cli.VolumeInspect(context.Background(), name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Volume{}, errors.Wrap(ErrVolumeNotFound, name)
		}
		return Volume{}, errors.Wrapf(err, "inspect volume %s", name)
	}
	return Volume{Type: VolumeTypeVolume, Source: detail.Name}, nil
}

// CreateVolume creates a named volume labeled as managed by this tool.
func (d *DockerDriver) CreateVolume(name string) (Volume, error) {
	detail, err := d.cli.VolumeCreate(context.Background(), volume.CreateOptions{
		Name:   name,
		Labels: map[string]string{ManagedLabel: ""},
	})
	if err != nil {
		return Volume{}, errors.Wrapf(err, "create volume %s", name)
	}
	return Volume{Type: VolumeTypeVolume, Source: detail.Name}, nil
}

func (d *DockerDriver) containerFromInspect(detail types.ContainerJSON) Container {
	spec := Container{
		Name:    strings.TrimPrefix(detail.Name, "/"),
		ImageID: detail.Image,
	}

	if detail.Config != nil {
		spec.Entrypoint = []string(detail.Config.Entrypoint)
		spec.Command = []string(detail.Config.Cmd)
		spec.Environment = parseEnvList(detail.Config.Env)
	}

	if detail.HostConfig != nil {
		ports := make([]Port, 0, len(detail.HostConfig.PortBindings))
		for portProto, bindings := range detail.HostConfig.PortBindings {
			for _, binding := range bindings {
				hostPort, _ := strconv.Atoi(binding.HostPort)
				ports = append(ports, Port{
					ContainerPort: portProto.Int(),
					HostIP:        binding.HostIP,
					HostPort:      hostPort,
					Protocol:      portProto.Proto(),
				})
			}
		}
		SortPorts(ports)
		spec.Ports = ports

		spec.RestartPolicy = restartPolicyNames[string(detail.HostConfig.RestartPolicy.Name)]
	}

	if detail.NetworkSettings != nil {
		networks := make([]string, 0, len(detail.NetworkSettings.Networks))
		for name := range detail.NetworkSettings.Networks {
			networks = append(networks, name)
		}
		sort.Strings(networks)
		spec.Networks = networks
	}

	mounts := make([]Volume, 0, len(detail.Mounts))
	for _, m := range detail.Mounts {
		source := m.Source
		if m.Type == mount.TypeVolume {
			source = m.Name
		}
		mounts = append(mounts, Volume{
			Type:   VolumeType(m.Type),
			Source: source,
			Target: m.Destination,
		})
	}
	SortVolumes(mounts)
	spec.Mounts = mounts

	return spec
}

// GetManagedContainers reconstructs container specs from live state for one
// phase, applying the same canonical ordering the manifest side uses.
func (d *DockerDriver) GetManagedContainers(phase Phase) ([]Container, error) {
	ctx := context.Background()

	listed, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", ManagedLabel, phase))),
	})
	if err != nil {
		return nil, errors.Wrap(err, "list containers")
	}

	containers := make([]Container, 0, len(listed))
	for _, summary := range listed {
		detail, err := d.cli.ContainerInspect(ctx, summary.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "inspect container %s", summary.ID)
		}
		containers = append(containers, d.containerFromInspect(detail))
	}
	return containers, nil
}

// RemoveContainers force-removes containers by name, skipping names that
// are already gone.
func (d *DockerDriver) RemoveContainers(names []string) error {
	ctx := context.Background()

	for _, name := range names {
		err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
		if err != nil {
			if client.IsErrNotFound(err) {
				log.WithField("containerName", name).Debug("Container already removed.")
				continue
			}
			return errors.Wrapf(err, "remove container %s", name)
		}
		log.WithField("containerName", name).Debug("Container removed.")
	}
	return nil
}

// RunContainer creates and starts a container from a spec.
func (d *DockerDriver) RunContainer(c Container, phase Phase) error {
	ctx := context.Background()

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range c.Ports {
		port, err := nat.NewPort(p.Protocol, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return errors.Wrapf(err, "invalid port for container %s", c.Name)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: strconv.Itoa(p.HostPort),
		})
	}

	env := make([]string, 0, len(c.Environment))
	for _, e := range c.Environment {
		env = append(env, e.Name+"="+e.Value)
	}

	mounts := make([]mount.Mount, 0, len(c.Mounts))
	for _, m := range c.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:   mount.Type(m.Type),
			Source: m.Source,
			Target: m.Target,
		})
	}

	config := &container.Config{
		Image:        c.ImageID,
		Entrypoint:   strslice.StrSlice(c.Entrypoint),
		Cmd:          strslice.StrSlice(c.Command),
		Env:          env,
		Labels:       map[string]string{ManagedLabel: string(phase)},
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode(restartPolicyNames[c.RestartPolicy]),
		},
		Mounts: mounts,
	}
	var networking *network.NetworkingConfig
	if len(c.Networks) > 0 {
		networking = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				c.Networks[0]: {},
			},
		}
	}

	created, err := d.cli.ContainerCreate(ctx, config, hostConfig, networking, nil, c.Name)
	if err != nil {
		return errors.Wrapf(err, "create container %s", c.Name)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return errors.Wrapf(err, "start container %s", c.Name)
	}
	log.WithFields(log.Fields{"containerName": c.Name, "phase": phase}).Debug("Container started.")

	if len(c.Networks) > 1 {
		for _, name := range c.Networks[1:] {
			if err := d.cli.NetworkConnect(ctx, name, created.ID, nil); err != nil {
				return errors.Wrapf(err, "connect container %s to network %s", c.Name, name)
			}
		}
	}
	return nil
}

// ContainerStatus samples a container's live status.
func (d *DockerDriver) ContainerStatus(name string) (ContainerStatus, error) {
	detail, err := d.cli.ContainerInspect(context.Background(), name)
	if err != nil {
		return ContainerStatus{}, errors.Wrapf(err, "inspect container %s", name)
	}
	if detail.State == nil {
		return ContainerStatus{}, errors.Errorf("container %s has no state", name)
	}
	return ContainerStatus{
		Running:  detail.State.Running,
		Exited:   detail.State.Status == "exited",
		ExitCode: detail.State.ExitCode,
	}, nil
}

// WaitContainer blocks until a container stops and returns its exit code.
func (d *DockerDriver) WaitContainer(name string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(context.Background(), name, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, errors.Wrapf(err, "wait for container %s", name)
	case status := <-statusCh:
		if status.Error != nil {
			return 0, errors.Errorf("wait for container %s: %s", name, status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}
