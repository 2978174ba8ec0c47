package proc

import (
	"errors"
	"io"
	"os"
	"os/exec"
)

// Command describes one invocation of the external agent CLI.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Process is the handle the orchestrator keeps on a spawned agent run. Wait
// returns the exit code once the process finishes; err is non-nil only when
// the wait itself failed (not for non-zero exits).
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Stdin() io.WriteCloser
	Wait() (int, error)
	Kill() error
}

// Launcher spawns agent processes. The exec-backed implementation is the only
// one used in production; tests substitute fakes.
type Launcher interface {
	Spawn(cmd Command) (Process, error)
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	stdin  io.WriteCloser
}

func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// ExecLauncher runs commands via os/exec with line-pipes attached.
type ExecLauncher struct{}

func (ExecLauncher) Spawn(command Command) (Process, error) {
	cmd := exec.Command(command.Name, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = command.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr, stdin: stdin}, nil
}
