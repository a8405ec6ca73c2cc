package core

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/renjaku/hashike/driver"
)

const (
	// readinessSamples caps the poll at 60 one-second samples.
	readinessSamples  = 60
	readinessInterval = time.Second

	// readinessStreak is the number of consecutive running observations
	// that count as ready.
	readinessStreak = 4
)

// InitContainerFailedError reports an init container that never became
// ready or exited abnormally. It aborts the pass before any main
// container is touched.
type InitContainerFailedError struct {
	Name   string
	Reason string
}

func (e *InitContainerFailedError) Error() string {
	return fmt.Sprintf("init container %s failed: %s", e.Name, e.Reason)
}

// awaitInit blocks until a freshly started init container is ready. An
// Always-policy container is a supervised background step and must be
// observed running on readinessStreak consecutive samples; an
// OnFailure-policy container is a run-to-completion step and must exit
// zero.
func (a *Applier) awaitInit(c driver.Container) error {
	if c.RestartPolicy == driver.RestartPolicyAlways {
		return a.awaitRunning(c.Name)
	}

	log.WithField("containerName", c.Name).Debug("Waiting for init container to exit.")
	code, err := a.Driver.WaitContainer(c.Name)
	if err != nil {
		return errors.Wrapf(err, "wait for init container %s", c.Name)
	}
	if code != 0 {
		return &InitContainerFailedError{Name: c.Name, Reason: fmt.Sprintf("exited with status %d", code)}
	}
	return nil
}

func (a *Applier) awaitRunning(name string) error {
	streak := 0
	for i := 0; i < readinessSamples; i++ {
		if i > 0 {
			a.sleep(readinessInterval)
		}

		status, err := a.status(name)
		if err != nil {
			return errors.Wrapf(err, "sample init container %s", name)
		}
		if !status.Running {
			streak = 0
			continue
		}
		streak++
		if streak >= readinessStreak {
			log.WithField("containerName", name).Debug("Init container is running.")
			return nil
		}
	}
	return &InitContainerFailedError{
		Name:   name,
		Reason: fmt.Sprintf("not observed running %d consecutive times within %d samples", readinessStreak, readinessSamples),
	}
}
