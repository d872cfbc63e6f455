package mediaplugin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"
)

// LaunchConfig describes the isolated process to start.
type LaunchConfig struct {
	PluginDir string
	SessionID string
}

// Process is a running plugin host.
type Process interface {
	// Conn is the actor channel stream.
	Conn() io.ReadWriteCloser
	// Wait blocks until the plugin host exits and returns its exit error.
	Wait() error
	// Kill terminates the plugin host without a shutdown message.
	Kill() error
}

// Launcher starts plugin host processes.
type Launcher interface {
	Launch(ctx context.Context, cfg LaunchConfig) (Process, error)
}

// ProcessLauncher runs the plugin host binary as a child process. The actor
// channel runs over the child's stdin and stdout; stderr lines are forwarded
// to Logger.
type ProcessLauncher struct {
	Binary string
	// ExtraArgs are appended after the standard flags.
	ExtraArgs []string
	// Env is added to the parent's environment.
	Env    []string
	Logger logging.LeveledLogger
}

// DefaultHostBinary returns GMP_PLUGIN_HOST_BIN, or "gmp-plugin-host".
func DefaultHostBinary() string {
	if bin := os.Getenv("GMP_PLUGIN_HOST_BIN"); bin != "" {
		return bin
	}
	return "gmp-plugin-host"
}

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context, cfg LaunchConfig) (Process, error) {
	bin := l.Binary
	if bin == "" {
		bin = DefaultHostBinary()
	}
	args := []string{"--plugin-dir", cfg.PluginDir, "--session", cfg.SessionID}
	args = append(args, l.ExtraArgs...)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), l.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start plugin host %s: %w", bin, err)
	}

	p := &childProcess{cmd: cmd, conn: NewPipeConn(stdout, stdin)}
	p.logs.Go(func() error {
		return forwardLog(stderr, l.Logger)
	})
	if l.Logger != nil {
		l.Logger.Debugf("plugin host %s started, pid %d", bin, cmd.Process.Pid)
	}
	return p, nil
}

// forwardLog copies child stderr into log line by line.
func forwardLog(r io.Reader, log logging.LeveledLogger) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if log == nil {
			continue
		}
		switch {
		case strings.Contains(line, "ERROR"), strings.HasPrefix(line, "panic:"):
			log.Errorf("child: %s", line)
		case strings.Contains(line, "WARNING"):
			log.Warnf("child: %s", line)
		default:
			log.Debugf("child: %s", line)
		}
	}
	return scanner.Err()
}

type childProcess struct {
	cmd  *exec.Cmd
	conn io.ReadWriteCloser
	logs errgroup.Group

	waitOnce sync.Once
	waitErr  error
}

func (p *childProcess) Conn() io.ReadWriteCloser { return p.conn }

func (p *childProcess) Wait() error {
	p.waitOnce.Do(func() {
		// Stderr must be drained before cmd.Wait closes it.
		logErr := p.logs.Wait()
		p.waitErr = p.cmd.Wait()
		if p.waitErr == nil && logErr != nil && !errors.Is(logErr, os.ErrClosed) {
			p.waitErr = logErr
		}
	})
	return p.waitErr
}

func (p *childProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// InProcessLauncher runs a PluginHost on a goroutine in this process,
// connected through net.Pipe. Exit and abort end the goroutine instead of
// the process.
type InProcessLauncher struct {
	Loader Loader
}

// Launch implements Launcher.
func (l *InProcessLauncher) Launch(_ context.Context, cfg LaunchConfig) (Process, error) {
	loader := l.Loader
	if loader == nil {
		loader = DefaultLoader()
	}

	p := &inProcess{done: make(chan struct{})}
	host := NewPluginHost(HostConfig{
		PluginDir:   cfg.PluginDir,
		SessionID:   cfg.SessionID,
		Loader:      loader,
		Terminator:  p,
		LoggerScope: "plugin-host",
	})
	if err := host.LoadPlugin(cfg.PluginDir); err != nil {
		return nil, err
	}

	hostSide, serviceSide := net.Pipe()
	p.conn = serviceSide
	p.host = host
	go func() {
		defer close(p.done)
		_ = host.Serve(hostSide)
	}()
	return p, nil
}

// ExitError reports how an in-process plugin host ended.
type ExitError struct {
	Code    int
	Aborted bool
	Reason  string
}

func (e *ExitError) Error() string {
	if e.Aborted {
		return "plugin host aborted: " + e.Reason
	}
	return fmt.Sprintf("plugin host exited with code %d", e.Code)
}

type inProcess struct {
	conn net.Conn
	host *PluginHost
	done chan struct{}

	mu     sync.Mutex
	result *ExitError
}

func (p *inProcess) Exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		p.result = &ExitError{Code: code}
	}
}

func (p *inProcess) Abort(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		p.result = &ExitError{Code: 2, Aborted: true, Reason: reason}
	}
}

func (p *inProcess) Conn() io.ReadWriteCloser { return p.conn }

func (p *inProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil || (p.result.Code == 0 && !p.result.Aborted) {
		return nil
	}
	return p.result
}

func (p *inProcess) Kill() error {
	return p.conn.Close()
}
