package osinfo

import (
	"github.com/gjolly/proposed-package-testing/internal/envfile"
)

const osReleasePath = "/etc/os-release"

// Function to get the distribution and version of the host machine
func GetDistroAndVersion() (string, string) {
	values, err := envfile.ParseEnvFile(osReleasePath)
	if err != nil {
		return "Unknown Distro", "Unknown Version"
	}

	distro := values["NAME"]
	if distro == "" {
		distro = "Unknown Distro"
	}

	version := values["VERSION"]
	if version == "" {
		version = "Unknown Version"
	}

	return distro, version
}
