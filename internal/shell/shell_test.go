// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package shell

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func TestExecuteCaptureOutput(t *testing.T) {
	stdout, stderr, err := NewExecBuilder("sh", "-c", "echo out; echo err 1>&2").
		ExecuteCaptureOutput()
	assert.NoError(t, err)
	assert.Equal(t, "out\n", stdout)
	assert.Equal(t, "err\n", stderr)
}

func TestExecuteErrorIncludesStderrTail(t *testing.T) {
	_, _, err := NewExecBuilder("sh", "-c", "echo first 1>&2; echo second 1>&2; exit 3").
		ErrorStderrLines(1).
		ExecuteCaptureOutput()
	require.Error(t, err)
	assert.ErrorContains(t, err, "second")
	assert.NotContains(t, err.Error(), "first")

	exitCode, ok := ExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 3, exitCode)
}

func TestExitCodeNonProcessError(t *testing.T) {
	_, ok := ExitCode(assert.AnError)
	assert.False(t, ok)
}

func TestExecuteCallbacks(t *testing.T) {
	lock := sync.Mutex{}
	lines := []string(nil)
	collect := func(line string) {
		lock.Lock()
		defer lock.Unlock()
		lines = append(lines, line)
	}

	err := NewExecBuilder("sh", "-c", "echo a; echo b 1>&2").
		StdoutCallback(collect).
		StderrCallback(collect).
		Execute()
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, lines)
}

func TestExecuteEnvironmentAndStdin(t *testing.T) {
	stdout, _, err := NewExecBuilder("/bin/sh", "-c", "read line; echo \"$FOO:$line\"").
		EnvironmentVariables([]string{"FOO=bar"}).
		Stdin("baz\n").
		ExecuteCaptureOutput()
	assert.NoError(t, err)
	assert.Equal(t, "bar:baz", strings.TrimSpace(stdout))
}

func TestExecuteCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewExecBuilder("sh", "-c", "sleep 30 & sleep 30").
		Context(ctx).
		Execute()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestLookPathInRoot(t *testing.T) {
	rootDir := t.TempDir()
	binDir := filepath.Join(rootDir, "usr", "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "apt-get"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "notexec"), []byte(""), 0o644))

	guestPath, err := lookPathInRoot(rootDir, "apt-get")
	assert.NoError(t, err)
	assert.Equal(t, "/usr/bin/apt-get", guestPath)

	_, err = lookPathInRoot(rootDir, "notexec")
	assert.Error(t, err)

	guestPath, err = lookPathInRoot(rootDir, "/opt/tool")
	assert.NoError(t, err)
	assert.Equal(t, "/opt/tool", guestPath)
}
