// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"encoding/json"
	"fmt"

	"github.com/gjolly/proposed-package-testing/internal/shell"
)

type fstabOutput struct {
	FileSystems []FstabEntry `json:"filesystems"`
}

type FstabEntry struct {
	Source  string `json:"source"`  // Example: LABEL=BOOT
	Target  string `json:"target"`  // Example: /boot
	FsType  string `json:"fstype"`  // Example: ext4
	Options string `json:"options"` // Example: defaults
}

// ReadFstabFile parses an fstab file without resolving any of its tags against the host's devices.
func ReadFstabFile(fstabPath string) ([]FstabEntry, error) {
	stdout, _, err := shell.Execute("findmnt", "--fstab", "--tab-file", fstabPath, "--json", "--list",
		"--output", "SOURCE,TARGET,FSTYPE,OPTIONS")
	if err != nil {
		return nil, fmt.Errorf("failed to read fstab file (%s):\n%w", fstabPath, err)
	}

	entries, err := parseFstabJson(stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fstab file (%s) JSON:\n%w", fstabPath, err)
	}

	return entries, nil
}

func parseFstabJson(jsonString string) ([]FstabEntry, error) {
	if jsonString == "" {
		// findmnt prints nothing for an fstab without entries.
		return nil, nil
	}

	var output fstabOutput
	err := json.Unmarshal([]byte(jsonString), &output)
	if err != nil {
		return nil, err
	}

	return output.FileSystems, nil
}
