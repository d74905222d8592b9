// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/gjolly/proposed-package-testing/internal/logger"
)

// PathExists checks if a path exists, without following a trailing symlink.
func PathExists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// IsFile checks if a path exists and is a regular file.
func IsFile(path string) (bool, error) {
	stat, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stat.Mode().IsRegular(), nil
}

// CommandExists checks if a program is available on the host's PATH.
func CommandExists(name string) (bool, error) {
	_, err := exec.LookPath(name)
	if errors.Is(err, exec.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func Read(path string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(contents), nil
}

// WriteWithPerm writes a file and makes sure it ends up with exactly perm, regardless of umask.
func WriteWithPerm(data string, path string, perm os.FileMode) error {
	err := os.WriteFile(path, []byte(data), perm)
	if err != nil {
		return err
	}

	return os.Chmod(path, perm)
}

// Copy copies a regular file, keeping its permissions.
func Copy(src string, dst string) (err error) {
	logger.Log.Debugf("Copying (%s) to (%s)", src, dst)

	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to read source file info:\n%w", err)
	}

	if !srcInfo.Mode().IsRegular() {
		return fmt.Errorf("source (%s) is not a file", src)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file:\n%w", err)
	}
	defer srcFile.Close()

	err = os.MkdirAll(filepath.Dir(dst), os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to create destination directory (%s):\n%w", dst, err)
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, srcInfo.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination file:\n%w", err)
	}
	defer func() {
		closeErr := dstFile.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("failed to finalize destination file:\n%w", closeErr)
		}
	}()

	// The permissions given to OpenFile are subject to umask.
	err = dstFile.Chmod(srcInfo.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to set destination file permissions:\n%w", err)
	}

	_, err = io.Copy(dstFile, srcFile)
	if err != nil {
		return fmt.Errorf("failed to copy file:\n%w", err)
	}

	return nil
}

// RemoveFileIfExists deletes a file, ignoring the error if it is already gone.
func RemoveFileIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
