// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// LogDisabledLevel is a log level that is never emitted.
	LogDisabledLevel logrus.Level = logrus.TraceLevel + 1

	DefaultWarnLogLines = 1500

	// How long to wait for the output pipes to close after the process has been killed.
	cancelWaitDelay = 10 * time.Second
)

var (
	// Search path used to locate programs inside a chroot.
	chrootSearchPath = []string{"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin"}
)

type ExecBuilder struct {
	command          string
	args             []string
	ctx              context.Context
	chrootDir        string
	environment      []string
	inheritEnv       bool
	workingDir       string
	stdin            string
	stdoutLogLevel   logrus.Level
	stderrLogLevel   logrus.Level
	stdoutCallback   func(line string)
	stderrCallback   func(line string)
	errorStderrLines int
	warnLogLines     int
}

func NewExecBuilder(command string, args ...string) ExecBuilder {
	return ExecBuilder{
		command:        command,
		args:           args,
		ctx:            context.Background(),
		inheritEnv:     true,
		stdoutLogLevel: logrus.DebugLevel,
		stderrLogLevel: logrus.DebugLevel,
	}
}

func (b ExecBuilder) Context(ctx context.Context) ExecBuilder {
	b.ctx = ctx
	return b
}

// Chroot runs the command with the provided directory as its root.
// The program is looked up inside the chroot, not on the host.
func (b ExecBuilder) Chroot(rootDir string) ExecBuilder {
	b.chrootDir = rootDir
	return b
}

// EnvironmentVariables replaces the process environment.
func (b ExecBuilder) EnvironmentVariables(env []string) ExecBuilder {
	b.environment = env
	b.inheritEnv = false
	return b
}

func (b ExecBuilder) WorkingDirectory(dir string) ExecBuilder {
	b.workingDir = dir
	return b
}

func (b ExecBuilder) Stdin(stdin string) ExecBuilder {
	b.stdin = stdin
	return b
}

func (b ExecBuilder) LogLevel(stdoutLogLevel logrus.Level, stderrLogLevel logrus.Level) ExecBuilder {
	b.stdoutLogLevel = stdoutLogLevel
	b.stderrLogLevel = stderrLogLevel
	return b
}

func (b ExecBuilder) StdoutCallback(callback func(line string)) ExecBuilder {
	b.stdoutCallback = callback
	return b
}

func (b ExecBuilder) StderrCallback(callback func(line string)) ExecBuilder {
	b.stderrCallback = callback
	return b
}

// ErrorStderrLines sets the number of trailing stderr lines to include in the returned error.
func (b ExecBuilder) ErrorStderrLines(lines int) ExecBuilder {
	b.errorStderrLines = lines
	return b
}

// WarnLogLines sets the number of trailing stderr lines that are logged as warnings if the command fails.
func (b ExecBuilder) WarnLogLines(lines int) ExecBuilder {
	b.warnLogLines = lines
	return b
}

func (b ExecBuilder) Execute() error {
	_, _, err := b.execute(false)
	return err
}

func (b ExecBuilder) ExecuteCaptureOutput() (string, string, error) {
	return b.execute(true)
}

func (b ExecBuilder) execute(captureOutput bool) (string, string, error) {
	cmd, err := b.buildCommand()
	if err != nil {
		return "", "", err
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", fmt.Errorf("failed to open stdout pipe (%s):\n%w", b.command, err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", "", fmt.Errorf("failed to open stderr pipe (%s):\n%w", b.command, err)
	}

	logger.Log.Debugf("Executing: %s %s", b.command, strings.Join(b.args, " "))

	err = cmd.Start()
	if err != nil {
		return "", "", fmt.Errorf("failed to start (%s):\n%w", b.command, err)
	}

	stdoutLines := newLineCollector(captureOutput, 0)
	stderrLines := newLineCollector(captureOutput, max(b.errorStderrLines, b.warnLogLines))

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		readOutputLines(stdoutPipe, b.stdoutLogLevel, b.stdoutCallback, stdoutLines)
	}()
	go func() {
		defer wg.Done()
		readOutputLines(stderrPipe, b.stderrLogLevel, b.stderrCallback, stderrLines)
	}()
	wg.Wait()

	err = cmd.Wait()

	stdout := stdoutLines.String()
	stderr := stderrLines.String()

	if err != nil {
		if ctxErr := b.ctx.Err(); ctxErr != nil {
			return stdout, stderr, fmt.Errorf("%s was canceled:\n%w", b.command, errors.Join(ctxErr, err))
		}

		if b.warnLogLines > 0 {
			for _, line := range stderrLines.Tail(b.warnLogLines) {
				logger.Log.Warn(line)
			}
		}

		if b.errorStderrLines > 0 {
			tail := stderrLines.Tail(b.errorStderrLines)
			if len(tail) > 0 {
				err = fmt.Errorf("%w:\n%s", err, strings.Join(tail, "\n"))
			}
		}

		return stdout, stderr, fmt.Errorf("%s failed:\n%w", b.command, err)
	}

	return stdout, stderr, nil
}

func (b ExecBuilder) buildCommand() (*exec.Cmd, error) {
	cmd := exec.CommandContext(b.ctx, b.command, b.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Put the child in its own process group so that cancellation also stops its children.
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = cancelWaitDelay

	if b.chrootDir != "" {
		guestPath, err := lookPathInRoot(b.chrootDir, b.command)
		if err != nil {
			return nil, err
		}

		cmd.Path = guestPath
		cmd.Err = nil
		cmd.SysProcAttr.Chroot = b.chrootDir
		cmd.Dir = "/"
	}

	if b.workingDir != "" {
		cmd.Dir = b.workingDir
	}

	if !b.inheritEnv {
		cmd.Env = b.environment
	}

	if b.stdin != "" {
		cmd.Stdin = strings.NewReader(b.stdin)
	}

	return cmd, nil
}

// lookPathInRoot finds a program under rootDir and returns its path as seen from inside rootDir.
func lookPathInRoot(rootDir string, program string) (string, error) {
	if strings.Contains(program, "/") {
		return program, nil
	}

	for _, dir := range chrootSearchPath {
		guestPath := filepath.Join(dir, program)
		stat, err := os.Stat(filepath.Join(rootDir, guestPath))
		if err != nil || stat.IsDir() || stat.Mode()&0o111 == 0 {
			continue
		}

		return guestPath, nil
	}

	return "", fmt.Errorf("%w: (%s) not found in chroot (%s)", exec.ErrNotFound, program, rootDir)
}

func readOutputLines(reader io.Reader, level logrus.Level, callback func(string), collector *lineCollector) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if level <= logrus.TraceLevel {
			logger.Log.Log(level, line)
		}

		if callback != nil {
			callback(line)
		}

		collector.Add(line)
	}
}

type lineCollector struct {
	capture   bool
	tailLimit int
	all       strings.Builder
	tail      []string
}

func newLineCollector(capture bool, tailLimit int) *lineCollector {
	return &lineCollector{
		capture:   capture,
		tailLimit: tailLimit,
	}
}

func (c *lineCollector) Add(line string) {
	if c.capture {
		c.all.WriteString(line)
		c.all.WriteString("\n")
	}

	if c.tailLimit > 0 {
		c.tail = append(c.tail, line)
		if len(c.tail) > c.tailLimit {
			c.tail = c.tail[len(c.tail)-c.tailLimit:]
		}
	}
}

func (c *lineCollector) String() string {
	return c.all.String()
}

func (c *lineCollector) Tail(lines int) []string {
	if lines >= len(c.tail) {
		return c.tail
	}
	return c.tail[len(c.tail)-lines:]
}
