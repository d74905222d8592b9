// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gjolly/proposed-package-testing/pkgimageapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	systemdStubResolvConf = "../run/systemd/resolve/stub-resolv.conf"
)

func createGuestEtc(t *testing.T) string {
	rootDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootDir, "etc"), 0o755))
	return rootDir
}

func useFakeHostResolvConf(t *testing.T, contents string) {
	hostPath := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(hostPath, []byte(contents), 0o644))

	previous := hostResolvConfPath
	hostResolvConfPath = hostPath
	t.Cleanup(func() {
		hostResolvConfPath = previous
	})
}

func TestResolvConfSymlinkWithHostResolvConf(t *testing.T) {
	useFakeHostResolvConf(t, "nameserver 10.0.0.2\n")

	rootDir := createGuestEtc(t)
	guestPath := filepath.Join(rootDir, "etc/resolv.conf")
	require.NoError(t, os.Symlink(systemdStubResolvConf, guestPath))

	existing, err := overrideResolvConf(rootDir, pkgimageapi.DnsConfig{})
	require.NoError(t, err)
	assert.Equal(t, resolvConfTypeSymlink, existing.existingType)

	contents, err := os.ReadFile(guestPath)
	require.NoError(t, err)
	assert.Equal(t, "nameserver 10.0.0.2\n", string(contents))

	err = restoreResolvConf(rootDir, existing)
	require.NoError(t, err)

	target, err := os.Readlink(guestPath)
	require.NoError(t, err)
	assert.Equal(t, systemdStubResolvConf, target)
}

func TestResolvConfFileWithNameservers(t *testing.T) {
	rootDir := createGuestEtc(t)
	guestPath := filepath.Join(rootDir, "etc/resolv.conf")
	require.NoError(t, os.WriteFile(guestPath, []byte("nameserver 192.168.1.1\n"), 0o600))
	require.NoError(t, os.Chmod(guestPath, 0o600))

	useHost := false
	existing, err := overrideResolvConf(rootDir, pkgimageapi.DnsConfig{
		Nameservers:       []string{"9.9.9.9", "149.112.112.112"},
		UseHostResolvConf: &useHost,
	})
	require.NoError(t, err)

	contents, err := os.ReadFile(guestPath)
	require.NoError(t, err)
	assert.Equal(t, "nameserver 9.9.9.9\nnameserver 149.112.112.112\n", string(contents))

	require.NoError(t, restoreResolvConf(rootDir, existing))

	contents, err = os.ReadFile(guestPath)
	require.NoError(t, err)
	assert.Equal(t, "nameserver 192.168.1.1\n", string(contents))

	stat, err := os.Stat(guestPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), stat.Mode().Perm())
}

func TestResolvConfNoneWithFallbackNameserver(t *testing.T) {
	rootDir := createGuestEtc(t)
	guestPath := filepath.Join(rootDir, "etc/resolv.conf")

	useHost := false
	existing, err := overrideResolvConf(rootDir, pkgimageapi.DnsConfig{UseHostResolvConf: &useHost})
	require.NoError(t, err)

	contents, err := os.ReadFile(guestPath)
	require.NoError(t, err)
	assert.Equal(t, "nameserver 1.1.1.1\n", string(contents))

	require.NoError(t, restoreResolvConf(rootDir, existing))

	_, err = os.Lstat(guestPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolvConfGuestEtcSymlinkStaysInRoot(t *testing.T) {
	outside := t.TempDir()
	rootDir := t.TempDir()

	// A hostile guest whose /etc points at a host directory.
	require.NoError(t, os.Symlink(outside, filepath.Join(rootDir, "etc")))

	guestPath, err := guestResolvConfPath(rootDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rootDir, outside, "resolv.conf"), guestPath)
}
