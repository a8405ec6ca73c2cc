package driver

import (
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func init() {
	Register("docker-cli", func() (Driver, error) {
		return &DockerCLIDriver{}, nil
	})
}

// DockerCLIDriver converges containers by shelling out to the docker
// binary. It exists to prove the driver boundary is real; hosts without a
// usable SDK socket configuration can still be converged through the CLI.
type DockerCLIDriver struct{}

// runDocker is a variable so tests can substitute the subprocess call.
var runDocker = func(stdin io.Reader, args ...string) ([]byte, error) {
	cmd := exec.Command("docker", args...)
	cmd.Stdin = stdin

	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, errors.Errorf("docker %s: %s", strings.Join(args, " "),
				strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, errors.Wrapf(err, "docker %s", strings.Join(args, " "))
	}
	return out, nil
}

// Install verifies the docker binary is present and the daemon reachable.
// It is safe to call repeatedly.
func (d *DockerCLIDriver) Install() error {
	if _, err := runDocker(nil, "version", "--format", "{{.Server.Version}}"); err != nil {
		return errors.Wrap(err, "docker is not usable")
	}
	return nil
}

type cliImageDetail struct {
	ID       string   `json:"Id"`
	RepoTags []string `json:"RepoTags"`
	Config   struct {
		Env        []string `json:"Env"`
		Entrypoint []string `json:"Entrypoint"`
		Cmd        []string `json:"Cmd"`
	} `json:"Config"`
}

func (d *DockerCLIDriver) inspectImages(idsOrRefs []string) ([]Image, error) {
	out, err := runDocker(nil, append([]string{"image", "inspect"}, idsOrRefs...)...)
	if err != nil {
		return nil, err
	}

	var details []cliImageDetail
	if err := json.Unmarshal(out, &details); err != nil {
		return nil, errors.Wrap(err, "parse image inspect output")
	}

	images := make([]Image, 0, len(details))
	for _, detail := range details {
		images = append(images, Image{
			ID:          detail.ID,
			References:  detail.RepoTags,
			Environment: parseEnvList(detail.Config.Env),
			Entrypoint:  detail.Config.Entrypoint,
			Command:     detail.Config.Cmd,
		})
	}
	return images, nil
}

// GetImages lists every image in the daemon's store.
func (d *DockerCLIDriver) GetImages() ([]Image, error) {
	out, err := runDocker(nil, "image", "ls", "--no-trunc", "--format", "{{.ID}}")
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	ids := make([]string, 0)
	for _, line := range strings.Split(string(out), "\n") {
		id := strings.TrimSpace(line)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []Image{}, nil
	}
	return d.inspectImages(ids)
}

// Pull fetches an image by registry reference.
func (d *DockerCLIDriver) Pull(ref string) (Image, error) {
	if _, err := runDocker(nil, "image", "pull", ref); err != nil {
		return Image{}, err
	}
	images, err := d.inspectImages([]string{ref})
	if err != nil {
		return Image{}, err
	}
	if len(images) == 0 {
		return Image{}, errors.Errorf("image %s not found after pull", ref)
	}
	return images[0], nil
}

// LoadDockerArchive imports a docker archive via `docker image load`.
func (d *DockerCLIDriver) LoadDockerArchive(r io.Reader) error {
	_, err := runDocker(r, "image", "load")
	return err
}

// CreateNetwork creates a bridge network. A failure is taken to mean the
// network already exists, mirroring the CLI's exit behavior.
func (d *DockerCLIDriver) CreateNetwork(name string) error {
	if _, err := runDocker(nil, "network", "create", "--driver", "bridge", name); err != nil {
		return errors.Wrap(ErrNetworkAlreadyExists, name)
	}
	return nil
}

// GetVolume looks up a named volume.
func (d *DockerCLIDriver) GetVolume(name string) (Volume, error) {
	out, err := runDocker(nil, "volume", "inspect", name)
	if err != nil {
		return Volume{}, errors.Wrap(ErrVolumeNotFound, name)
	}

	var details []struct {
		Name string `json:"Name"`
	}
	if err := json.Unmarshal(out, &details); err != nil {
		return Volume{}, errors.Wrap(err, "parse volume inspect output")
	}
	if len(details) == 0 {
		return Volume{}, errors.Wrap(ErrVolumeNotFound, name)
	}
	return Volume{Type: VolumeTypeVolume, Source: details[0].Name}, nil
}

// CreateVolume creates a named volume labeled as managed by this tool.
func (d *DockerCLIDriver) CreateVolume(name string) (Volume, error) {
	if _, err := runDocker(nil, "volume", "create", "--label", ManagedLabel, name); err != nil {
		return Volume{}, err
	}
	return d.GetVolume(name)
}

type cliContainerDetail struct {
	Name   string `json:"Name"`
	Image  string `json:"Image"`
	Config struct {
		Env        []string `json:"Env"`
		Entrypoint []string `json:"Entrypoint"`
		Cmd        []string `json:"Cmd"`
	} `json:"Config"`
	HostConfig struct {
		PortBindings map[string][]struct {
			HostIP   string `json:"HostIp"`
			HostPort string `json:"HostPort"`
		} `json:"PortBindings"`
		RestartPolicy struct {
			Name string `json:"Name"`
		} `json:"RestartPolicy"`
	} `json:"HostConfig"`
	NetworkSettings struct {
		Networks map[string]struct{} `json:"Networks"`
	} `json:"NetworkSettings"`
	Mounts []struct {
		Type        string `json:"Type"`
		Name        string `json:"Name"`
		Source      string `json:"Source"`
		Destination string `json:"Destination"`
	} `json:"Mounts"`
	State struct {
		Running  bool   `json:"Running"`
		Status   string `json:"Status"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
}

func (d *DockerCLIDriver) inspectContainers(ids []string) ([]cliContainerDetail, error) {
	out, err := runDocker(nil, append([]string{"container", "inspect"}, ids...)...)
	if err != nil {
		return nil, err
	}

	var details []cliContainerDetail
	if err := json.Unmarshal(out, &details); err != nil {
		return nil, errors.Wrap(err, "parse container inspect output")
	}
	return details, nil
}

func containerFromCLIDetail(detail cliContainerDetail) Container {
	spec := Container{
		// The engine prefixes names with a slash internally.
		Name:        strings.TrimPrefix(detail.Name, "/"),
		ImageID:     detail.Image,
		Entrypoint:  detail.Config.Entrypoint,
		Command:     detail.Config.Cmd,
		Environment: parseEnvList(detail.Config.Env),
	}

	ports := make([]Port, 0, len(detail.HostConfig.PortBindings))
	for portProto, bindings := range detail.HostConfig.PortBindings {
		portStr, proto, _ := strings.Cut(portProto, "/")
		containerPort, _ := strconv.Atoi(portStr)
		for _, binding := range bindings {
			hostPort, _ := strconv.Atoi(binding.HostPort)
			ports = append(ports, Port{
				ContainerPort: containerPort,
				HostIP:        binding.HostIP,
				HostPort:      hostPort,
				Protocol:      proto,
			})
		}
	}
	SortPorts(ports)
	spec.Ports = ports

	spec.RestartPolicy = restartPolicyNames[detail.HostConfig.RestartPolicy.Name]

	networks := make([]string, 0, len(detail.NetworkSettings.Networks))
	for name := range detail.NetworkSettings.Networks {
		networks = append(networks, name)
	}
	sort.Strings(networks)
	spec.Networks = networks

	mounts := make([]Volume, 0, len(detail.Mounts))
	for _, m := range detail.Mounts {
		source := m.Source
		if VolumeType(m.Type) == VolumeTypeVolume {
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

// GetManagedContainers reconstructs container specs from `docker container
// inspect` output for one phase.
func (d *DockerCLIDriver) GetManagedContainers(phase Phase) ([]Container, error) {
	out, err := runDocker(nil, "container", "ls", "--all", "--no-trunc",
		"--filter", fmt.Sprintf("label=%s=%s", ManagedLabel, phase),
		"--format", "{{.ID}}")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0)
	for _, line := range strings.Split(string(out), "\n") {
		if id := strings.TrimSpace(line); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []Container{}, nil
	}

	details, err := d.inspectContainers(ids)
	if err != nil {
		return nil, err
	}

	containers := make([]Container, 0, len(details))
	for _, detail := range details {
		containers = append(containers, containerFromCLIDetail(detail))
	}
	return containers, nil
}

// RemoveContainers force-removes containers one at a time so that a name
// that has already disappeared does not abort the batch.
func (d *DockerCLIDriver) RemoveContainers(names []string) error {
	for _, name := range names {
		if _, err := runDocker(nil, "container", "rm", "--force", name); err != nil {
			if strings.Contains(err.Error(), "No such container") {
				log.WithField("containerName", name).Debug("Container already removed.")
				continue
			}
			return err
		}
	}
	return nil
}

// RunContainer creates and starts a container from a spec via `docker
// container run`.
func (d *DockerCLIDriver) RunContainer(c Container, phase Phase) error {
	args := []string{
		"container", "run",
		"--name", c.Name,
		"--label", fmt.Sprintf("%s=%s", ManagedLabel, phase),
		"--restart", restartPolicyNames[c.RestartPolicy],
		"--detach",
	}
	if len(c.Networks) > 0 {
		args = append(args, "--network", c.Networks[0])
	}
	for _, e := range c.Environment {
		args = append(args, "--env", e.Name+"="+e.Value)
	}
	for _, p := range c.Ports {
		binding := fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, p.Protocol)
		if p.HostIP != "" {
			binding = fmt.Sprintf("%s:%d:%d/%s", p.HostIP, p.HostPort, p.ContainerPort, p.Protocol)
		}
		args = append(args, "--publish", binding)
	}
	for _, m := range c.Mounts {
		args = append(args, "--mount",
			fmt.Sprintf("type=%s,source=%s,target=%s", m.Type, m.Source, m.Target))
	}

	// The CLI accepts only the first entrypoint element through --entrypoint;
	// the rest must be passed as leading command arguments.
	command := c.Command
	if len(c.Entrypoint) > 0 {
		args = append(args, "--entrypoint", c.Entrypoint[0])
		command = append(append([]string{}, c.Entrypoint[1:]...), c.Command...)
	}

	args = append(args, c.ImageID)
	args = append(args, command...)

	if _, err := runDocker(nil, args...); err != nil {
		return err
	}

	if len(c.Networks) > 1 {
		for _, name := range c.Networks[1:] {
			if _, err := runDocker(nil, "network", "connect", name, c.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// ContainerStatus samples a container's live status.
func (d *DockerCLIDriver) ContainerStatus(name string) (ContainerStatus, error) {
	details, err := d.inspectContainers([]string{name})
	if err != nil {
		return ContainerStatus{}, err
	}
	if len(details) == 0 {
		return ContainerStatus{}, errors.Errorf("container %s not found", name)
	}
	state := details[0].State
	return ContainerStatus{
		Running:  state.Running,
		Exited:   state.Status == "exited",
		ExitCode: state.ExitCode,
	}, nil
}

// WaitContainer blocks until a container stops and returns its exit code.
func (d *DockerCLIDriver) WaitContainer(name string) (int, error) {
	out, err := runDocker(nil, "container", "wait", name)
	if err != nil {
		return 0, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, errors.Wrapf(err, "parse exit code for container %s", name)
	}
	return code, nil
}
