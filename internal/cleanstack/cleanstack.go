// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package cleanstack releases acquired resources in reverse acquisition order.
//
// Typical use:
//
//	cleanup := cleanstack.NewCleanStack()
//	defer func() { err = cleanup.Cleanup(err) }()
//	...
//	cleanup.Push("detach device", device.CleanClose)
package cleanstack

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gjolly/proposed-package-testing/internal/logger"
)

type cleanJob struct {
	name       string
	run        func() error
	bestEffort bool
}

type CleanStack struct {
	lock sync.Mutex
	jobs []cleanJob
}

func NewCleanStack() *CleanStack {
	return &CleanStack{}
}

// Push adds a release step. A failure of this step is reported by Cleanup.
func (s *CleanStack) Push(name string, run func() error) {
	s.push(cleanJob{name: name, run: run})
}

// PushBestEffort adds a release step whose failure is only ever logged as a warning.
func (s *CleanStack) PushBestEffort(name string, run func() error) {
	s.push(cleanJob{name: name, run: run, bestEffort: true})
}

func (s *CleanStack) push(job cleanJob) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.jobs = append(s.jobs, job)
}

func (s *CleanStack) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.jobs)
}

// Cleanup runs every step in reverse order of Push, even when earlier steps fail.
// If primary is not nil, it is returned unchanged and release failures are logged as warnings.
// Otherwise, the release failures are returned.
func (s *CleanStack) Cleanup(primary error) error {
	s.lock.Lock()
	jobs := s.jobs
	s.jobs = nil
	s.lock.Unlock()

	releaseErrs := []error(nil)
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]

		logger.Log.Debugf("Cleanup: %s", job.name)

		err := job.run()
		if err == nil {
			continue
		}

		err = fmt.Errorf("failed to %s:\n%w", job.name, err)
		if primary != nil || job.bestEffort {
			logger.Log.Warnf("%v", err)
			continue
		}

		releaseErrs = append(releaseErrs, err)
	}

	if primary != nil {
		return primary
	}

	return errors.Join(releaseErrs...)
}
