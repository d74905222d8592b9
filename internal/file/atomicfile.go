// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package file

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicFile is a file that only appears at its final path once Commit succeeds.
// Until then, the data lives in a hidden temporary sibling that Abort deletes.
type AtomicFile struct {
	finalPath string
	tempPath  string
	done      bool
}

func NewAtomicFile(finalPath string) (*AtomicFile, error) {
	dir := filepath.Dir(finalPath)
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(finalPath)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file for (%s):\n%w", finalPath, err)
	}

	tempPath := tempFile.Name()

	err = tempFile.Close()
	if err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("failed to close temporary file (%s):\n%w", tempPath, err)
	}

	return &AtomicFile{
		finalPath: finalPath,
		tempPath:  tempPath,
	}, nil
}

// TempPath is the path that writers should fill in.
func (f *AtomicFile) TempPath() string {
	return f.tempPath
}

// Commit moves the temporary file to its final path.
func (f *AtomicFile) Commit() error {
	if f.done {
		return fmt.Errorf("file (%s) already committed or aborted", f.finalPath)
	}

	err := os.Chmod(f.tempPath, 0o644)
	if err != nil {
		return fmt.Errorf("failed to set permissions on (%s):\n%w", f.tempPath, err)
	}

	err = os.Rename(f.tempPath, f.finalPath)
	if err != nil {
		return fmt.Errorf("failed to move (%s) to (%s):\n%w", f.tempPath, f.finalPath, err)
	}

	f.done = true
	return nil
}

// Abort deletes the temporary file. It does nothing after a successful Commit.
func (f *AtomicFile) Abort() error {
	if f.done {
		return nil
	}

	f.done = true
	return RemoveFileIfExists(f.tempPath)
}
