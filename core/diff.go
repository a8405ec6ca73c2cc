package core

import "github.com/renjaku/hashike/driver"

// Diff treats two container lists as sets under full structural equality
// and reports which existing containers are obsolete and which desired
// containers must be created. Each returned list preserves its input
// list's order. There is no update operation: a container with any changed
// field appears in both lists, old spec to remove and new spec to create.
func Diff(existing, desired []driver.Container) (toRemove, toCreate []driver.Container) {
	return subtract(existing, keySet(desired)), subtract(desired, keySet(existing))
}

func keySet(containers []driver.Container) map[string]bool {
	keys := make(map[string]bool, len(containers))
	for _, c := range containers {
		keys[c.Key()] = true
	}
	return keys
}

func subtract(from []driver.Container, keys map[string]bool) []driver.Container {
	out := make([]driver.Container, 0)
	for _, c := range from {
		if !keys[c.Key()] {
			out = append(out, c)
		}
	}
	return out
}
