package mcp

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process abstracts a running child process so the supervisor can be tested
// against a fake instead of a real binary. Spawn and kill side effects only
// happen through this interface.
type Process interface {
	// Stdin is the process's standard input.
	Stdin() io.Writer

	// Stdout is the process's standard output.
	Stdout() io.Reader

	// Stderr is the process's standard error.
	Stderr() io.Reader

	// Signal sends a signal for graceful termination.
	Signal(sig os.Signal) error

	// Kill force-terminates the process.
	Kill() error

	// Wait blocks until the process exits and returns its exit code.
	// The code is -1 when the process was killed by a signal.
	Wait() (int, error)

	// PID returns the OS process id.
	PID() int
}

// Launcher starts agent processes. The exec-backed implementation is used in
// production; tests inject fakes.
type Launcher interface {
	Launch(command string, args ...string) (Process, error)
}

// ExecLauncher launches real OS processes with stdio pipes attached.
type ExecLauncher struct{}

// Launch starts command with the given args and returns the running process.
func (ExecLauncher) Launch(command string, args ...string) (Process, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
