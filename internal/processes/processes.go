// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package processes

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/gjolly/proposed-package-testing/internal/shell"
	"github.com/sirupsen/logrus"
)

type ProcessRecord struct {
	ProcessId   int
	ProcessName string
}

// GetProcessesUsingPath returns the processes that have a file opened under the provided path.
func GetProcessesUsingPath(path string) ([]ProcessRecord, error) {
	// lsof exits with 1 both when nothing was found and on errors. -Q makes "nothing found" a success but
	// only exists in recent versions, so an error is treated as an empty result.
	stdout, _, err := shell.NewExecBuilder("lsof", "-F", "pc", "--", path).
		LogLevel(logrus.TraceLevel, logrus.TraceLevel).
		ExecuteCaptureOutput()
	if err != nil && stdout == "" {
		return nil, nil
	}

	records, err := parseLsofOutput(stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lsof output for (%s):\n%w", path, err)
	}

	return records, nil
}

func parseLsofOutput(stdout string) ([]ProcessRecord, error) {
	records := []ProcessRecord(nil)
	record := ProcessRecord{
		ProcessId: -1,
	}

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) <= 0 {
			continue
		}

		prefix := line[0]
		value := line[1:]
		switch prefix {
		case 'p':
			if record.ProcessId >= 0 {
				records = append(records, record)
			}

			pid, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse process ID string (%s):\n%w", value, err)
			}

			record = ProcessRecord{ProcessId: pid}

		case 'c':
			record.ProcessName = value
		}
	}

	if record.ProcessId >= 0 {
		records = append(records, record)
	}

	return records, nil
}
