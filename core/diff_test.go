package core

import (
	"fmt"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/renjaku/hashike/driver"
)

func namedContainer(name string) driver.Container {
	return driver.Container{
		Name:          name,
		ImageID:       "sha256:" + name,
		RestartPolicy: driver.RestartPolicyAlways,
		Networks:      []string{DefaultNetwork},
	}
}

func TestDiffIdenticalSets(t *testing.T) {
	set := []driver.Container{namedContainer("a"), namedContainer("b")}

	toRemove, toCreate := Diff(set, set)
	assert.Equal(t, len(toRemove), 0)
	assert.Equal(t, len(toCreate), 0)
}

func TestDiffDisjointSets(t *testing.T) {
	existing := []driver.Container{namedContainer("a"), namedContainer("b"), namedContainer("c")}
	desired := []driver.Container{namedContainer("x"), namedContainer("y")}

	toRemove, toCreate := Diff(existing, desired)
	assert.DeepEqual(t, toRemove, existing)
	assert.DeepEqual(t, toCreate, desired)
}

func TestDiffFieldChangeReplacesOnlyThatContainer(t *testing.T) {
	unchanged := namedContainer("b")
	before := namedContainer("a")
	after := before
	after.Environment = []driver.EnvVar{{Name: "APP_ENV", Value: "production"}}

	toRemove, toCreate := Diff(
		[]driver.Container{before, unchanged},
		[]driver.Container{after, unchanged},
	)
	assert.DeepEqual(t, toRemove, []driver.Container{before})
	assert.DeepEqual(t, toCreate, []driver.Container{after})
}

func TestDiffPreservesInputOrder(t *testing.T) {
	existing := make([]driver.Container, 0)
	desired := make([]driver.Container, 0)
	for i := 0; i < 5; i++ {
		existing = append(existing, namedContainer(fmt.Sprintf("old-%d", i)))
		desired = append(desired, namedContainer(fmt.Sprintf("new-%d", i)))
	}

	toRemove, toCreate := Diff(existing, desired)
	assert.DeepEqual(t, toRemove, existing)
	assert.DeepEqual(t, toCreate, desired)
}

func TestDiffEmptySides(t *testing.T) {
	set := []driver.Container{namedContainer("a")}

	toRemove, toCreate := Diff(nil, set)
	assert.Equal(t, len(toRemove), 0)
	assert.DeepEqual(t, toCreate, set)

	toRemove, toCreate = Diff(set, nil)
	assert.DeepEqual(t, toRemove, set)
	assert.Equal(t, len(toCreate), 0)
}
