package plugin

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// Process is the running plugin executable as the rest of the package sees
// it. Tests substitute an in-memory fake.
type Process interface {
	// Pid returns the operating system process id.
	Pid() int
	// Exited closes once the process has been reaped.
	Exited() <-chan struct{}
	// Kill stops the process. Killing an already-exited process is not an
	// error.
	Kill() error
}

// LaunchResult carries a started plugin process and the two streams the
// protocol runs over.
type LaunchResult struct {
	Process Process
	Stdout  io.ReadCloser  // plugin to client frames
	Stdin   io.WriteCloser // client to plugin frames
}

// LaunchFunc starts a plugin executable. The default spawns a real
// subprocess; tests inject an in-memory peer.
type LaunchFunc func(path string, args []string, logger *slog.Logger) (*LaunchResult, error)

// process runs a plugin as a child process with piped stdio. Stderr lines
// go to the logger; stdout and stdin carry frames.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	exited  chan struct{}
	waitErr error
}

func defaultLaunch(path string, args []string, logger *slog.Logger) (*LaunchResult, error) {
	proc, err := startProcess(path, args, logger)
	if err != nil {
		return nil, err
	}
	return &LaunchResult{Process: proc, Stdout: proc.stdout, Stdin: proc.stdin}, nil
}

func startProcess(path string, args []string, logger *slog.Logger) (*process, error) {
	cmd := exec.Command(path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	p := &process{cmd: cmd, stdin: stdin, stdout: stdout, exited: make(chan struct{})}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("plugin stderr", "path", path, "line", scanner.Text())
		}
	}()
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

func (p *process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) Exited() <-chan struct{} { return p.exited }

// Kill closes the plugin's stdin, which well-behaved plugins treat as an
// exit signal, then forces the process down and waits for the reaper.
func (p *process) Kill() error {
	_ = p.stdin.Close()

	select {
	case <-p.exited:
		return nil
	default:
	}

	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill plugin process: %w", err)
		}
	}
	<-p.exited
	return nil
}
