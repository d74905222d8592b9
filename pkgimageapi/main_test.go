// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimageapi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gjolly/proposed-package-testing/internal/logger"
)

var (
	testDataDir string
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()

	workingDir, err := os.Getwd()
	if err != nil {
		logger.Log.Panicf("Failed to get working directory, error: %s", err)
	}

	testDataDir = filepath.Join(workingDir, "testdata")

	retVal := m.Run()

	os.Exit(retVal)
}
