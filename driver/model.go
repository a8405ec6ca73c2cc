package driver

import (
	"encoding/json"
	"sort"
)

// ManagedLabel is attached to every container and volume this tool creates.
// Its value records the phase a container belongs to, so listings can be
// filtered server-side without touching unmanaged containers.
const ManagedLabel = "hashike"

// Phase distinguishes init containers from the main container set.
type Phase string

const (
	PhaseInit Phase = "init"
	PhaseMain Phase = "main"
)

// Restart policies use the Kubernetes spellings in specs and manifests.
// Concrete drivers translate to their backend's vocabulary.
const (
	RestartPolicyAlways    = "Always"
	RestartPolicyOnFailure = "OnFailure"
)

// EnvVar is a single environment variable. A container's environment is
// treated as a set of these pairs, rendered in sorted order.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Port is a published container port. HostPort defaults to ContainerPort
// and Protocol to "tcp" at construction time, never here.
type Port struct {
	ContainerPort int    `json:"container_port"`
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      int    `json:"host_port"`
	Protocol      string `json:"protocol"`
}

// VolumeType enumerates the mount kinds the manifest can declare.
type VolumeType string

const (
	VolumeTypeBind   VolumeType = "bind"
	VolumeTypeVolume VolumeType = "volume"
)

// Volume describes either a volume resource (no target) or a mount used by
// a container (target set).
type Volume struct {
	Type   VolumeType `json:"type"`
	Source string     `json:"source"`
	Target string     `json:"target,omitempty"`
}

// Image is a resolved container image. Identity is the content-addressed ID;
// references are metadata only and never participate in container equality.
type Image struct {
	ID          string   `json:"id"`
	References  []string `json:"references,omitempty"`
	Environment []EnvVar `json:"environment,omitempty"`
	Entrypoint  []string `json:"entrypoint,omitempty"`
	Command     []string `json:"command,omitempty"`
}

// Container is the canonical, comparable description of one container's
// complete configuration, built either from a manifest (desired side) or
// from live inspection data (existing side). All slice fields must be held
// in their canonical sort order so that logically identical containers
// serialize identically; constructors are responsible for sorting.
// A Container is never mutated after construction.
type Container struct {
	Name          string   `json:"name"`
	ImageID       string   `json:"image_id"`
	Entrypoint    []string `json:"entrypoint,omitempty"`
	Command       []string `json:"command,omitempty"`
	Environment   []EnvVar `json:"environment,omitempty"`
	Ports         []Port   `json:"ports,omitempty"`
	RestartPolicy string   `json:"restart_policy"`
	Networks      []string `json:"networks,omitempty"`
	Mounts        []Volume `json:"mounts,omitempty"`
}

// Key returns the canonical serialization of the container, used as the
// comparison key for structural equality. Two containers are equal iff
// their keys are byte-identical.
func (c Container) Key() string {
	b, _ := json.Marshal(c)
	return string(b)
}

// SortEnvVars orders an environment by (name, value).
func SortEnvVars(envs []EnvVar) {
	sort.Slice(envs, func(i, j int) bool {
		if envs[i].Name != envs[j].Name {
			return envs[i].Name < envs[j].Name
		}
		return envs[i].Value < envs[j].Value
	})
}

// SortPorts orders ports by (container port, host IP, host port, protocol).
func SortPorts(ports []Port) {
	sort.Slice(ports, func(i, j int) bool {
		a, b := ports[i], ports[j]
		if a.ContainerPort != b.ContainerPort {
			return a.ContainerPort < b.ContainerPort
		}
		if a.HostIP != b.HostIP {
			return a.HostIP < b.HostIP
		}
		if a.HostPort != b.HostPort {
			return a.HostPort < b.HostPort
		}
		return a.Protocol < b.Protocol
	})
}

// SortVolumes orders volumes by (type, source, target).
func SortVolumes(vols []Volume) {
	sort.Slice(vols, func(i, j int) bool {
		a, b := vols[i], vols[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Target < b.Target
	})
}
