// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package retry

import (
	"context"
	"errors"
	"time"
)

type stopError struct {
	err error
}

func (e *stopError) Error() string {
	return e.err.Error()
}

func (e *stopError) Unwrap() error {
	return e.err
}

// Stop wraps an error so that the retry loop gives up immediately and returns it.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Run calls function up to attempts times, sleeping sleep between failed attempts.
func Run(function func() error, attempts int, sleep time.Duration) error {
	_, err := RunWithExpBackoff(context.Background(), function, attempts, sleep, 1.0)
	return err
}

// RunWithExpBackoff calls function up to attempts times.
// The delay between attempts starts at initialDelay and is multiplied by factor after each failure.
// Returns cancelled=true if ctx was cancelled before function succeeded.
func RunWithExpBackoff(ctx context.Context, function func() error, attempts int, initialDelay time.Duration,
	factor float64,
) (cancelled bool, err error) {
	delay := initialDelay
	for i := 0; i < attempts; i++ {
		err = function()
		if err == nil {
			return false, nil
		}

		var stop *stopError
		if errors.As(err, &stop) {
			return false, stop.err
		}

		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return true, errors.Join(err, ctx.Err())
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * factor)
	}

	return false, err
}
