// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Used to parse config files formatted like a shell script containing only variable assignments.
// For example, /etc/os-release.

package envfile

import (
	"fmt"

	"gopkg.in/ini.v1"
)

func ParseEnvFile(path string) (map[string]string, error) {
	cfg, err := ini.LoadSources(loadOptions(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse env file (%s):\n%w", path, err)
	}

	return cfg.Section(ini.DefaultSection).KeysHash(), nil
}

func ParseEnv(content string) (map[string]string, error) {
	cfg, err := ini.LoadSources(loadOptions(), []byte(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse env file:\n%w", err)
	}

	return cfg.Section(ini.DefaultSection).KeysHash(), nil
}

func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		// '#' inside a value (e.g. a URL fragment) is not a comment.
		IgnoreInlineComment:       true,
		UnescapeValueDoubleQuotes: true,
	}
}
