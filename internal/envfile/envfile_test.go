// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package envfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noble = `PRETTY_NAME="Ubuntu 24.04.1 LTS"
NAME="Ubuntu"
VERSION_ID="24.04"
VERSION="24.04.1 LTS (Noble Numbat)"
VERSION_CODENAME=noble
ID=ubuntu
ID_LIKE=debian
HOME_URL="https://www.ubuntu.com/"
SUPPORT_URL="https://help.ubuntu.com/"
BUG_REPORT_URL="https://bugs.launchpad.net/ubuntu/"
PRIVACY_POLICY_URL="https://www.ubuntu.com/legal/terms-and-policies/privacy-policy"
UBUNTU_CODENAME=noble
LOGO=ubuntu-logo
`

func TestParseEnvOsRelease(t *testing.T) {
	values, err := ParseEnv(noble)
	assert.NoError(t, err)
	assert.Equal(t, "noble", values["VERSION_CODENAME"])
	assert.Equal(t, "ubuntu", values["ID"])
	assert.Equal(t, "Ubuntu 24.04.1 LTS", values["PRETTY_NAME"])
	assert.Equal(t, "24.04.1 LTS (Noble Numbat)", values["VERSION"])
	assert.Equal(t, "https://www.ubuntu.com/", values["HOME_URL"])
}

func TestParseEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	require.NoError(t, os.WriteFile(path, []byte(noble), 0o644))

	values, err := ParseEnvFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "noble", values["UBUNTU_CODENAME"])
}

func TestParseEnvFileMissing(t *testing.T) {
	_, err := ParseEnvFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
