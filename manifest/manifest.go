// Package manifest models the pod-like container definition document and
// its YAML decoding.
package manifest

import (
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Manifest is the declarative document describing desired containers,
// volumes, and the restart-policy default.
type Manifest struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

type Metadata struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
}

type Spec struct {
	InitContainers []Container `yaml:"initContainers"`
	Containers     []Container `yaml:"containers"`
	Volumes        []Volume    `yaml:"volumes"`
	RestartPolicy  string      `yaml:"restartPolicy"`
}

// Container is one container entry. Command overrides the image entrypoint
// and Args overrides the image command, following pod-manifest convention;
// a nil slice means "inherit from the image", which is why these are not
// defaulted at decode time.
type Container struct {
	Name          string        `yaml:"name"`
	Image         string        `yaml:"image"`
	Command       []string      `yaml:"command"`
	Args          []string      `yaml:"args"`
	Env           []EnvVar      `yaml:"env"`
	Ports         []Port        `yaml:"ports"`
	VolumeMounts  []VolumeMount `yaml:"volumeMounts"`
	RestartPolicy string        `yaml:"restartPolicy"`
}

type EnvVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type Port struct {
	ContainerPort int    `yaml:"containerPort"`
	HostIP        string `yaml:"hostIp"`
	HostPort      int    `yaml:"hostPort"`
	Protocol      string `yaml:"protocol"`
}

type VolumeMount struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
}

// Volume declares either an emptyDir (backed by a named volume) or a
// hostPath (bind-mounted directly).
type Volume struct {
	Name     string    `yaml:"name"`
	EmptyDir *EmptyDir `yaml:"emptyDir"`
	HostPath *HostPath `yaml:"hostPath"`
}

type EmptyDir struct{}

type HostPath struct {
	Path string `yaml:"path"`
}

// UnmarshalYAML treats a bare `emptyDir:` key (null value) the same as
// `emptyDir: {}`, since manifests in the wild write both.
func (v *Volume) UnmarshalYAML(node *yaml.Node) error {
	type plain Volume
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*v = Volume(p)

	if v.EmptyDir == nil {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "emptyDir" {
				v.EmptyDir = &EmptyDir{}
				break
			}
		}
	}
	return nil
}

func validRestartPolicy(policy string) bool {
	return policy == "" || policy == "Always" || policy == "OnFailure"
}

// Load decodes and validates a manifest.
func Load(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decode manifest")
	}

	if len(m.Spec.Containers) == 0 {
		return nil, errors.New("manifest declares no containers")
	}
	if !validRestartPolicy(m.Spec.RestartPolicy) {
		return nil, errors.Errorf("invalid spec.restartPolicy %q", m.Spec.RestartPolicy)
	}

	for _, c := range append(append([]Container{}, m.Spec.InitContainers...), m.Spec.Containers...) {
		if c.Name == "" {
			return nil, errors.New("container is missing a name")
		}
		if c.Image == "" {
			return nil, errors.Errorf("container %q is missing an image", c.Name)
		}
		if !validRestartPolicy(c.RestartPolicy) {
			return nil, errors.Errorf("container %q has invalid restartPolicy %q", c.Name, c.RestartPolicy)
		}
	}

	for _, v := range m.Spec.Volumes {
		if v.Name == "" {
			return nil, errors.New("volume is missing a name")
		}
		if v.EmptyDir == nil && v.HostPath == nil {
			return nil, errors.Errorf("volume %q must declare emptyDir or hostPath", v.Name)
		}
	}

	return &m, nil
}
