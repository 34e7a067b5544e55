// Package process runs a single child process whose stdout and stderr are
// merged into one stream.
//
// Process is a thin wrapper around os/exec:
//   - starts the process in its own process group
//   - attaches stdout and stderr to the write end of one OS pipe
//   - reaps the process in a goroutine, so there are no zombies
//   - signals, waits with a timeout and kills the whole group
//
// Guarantees:
//   - Output is consumed by a single reader.
//   - Wait, Kill and Stop can be called any number of times; once the process
//     exited the recorded exit status never changes.
//   - Kill reaches the whole process group even after the leader exited, so
//     descendants left behind by a wrapper script are killed too.
//   - Stop kills the rest of the group once the leader is gone.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrTimeout = errors.New("process did not exit in time")
)

// KillWait bounds the wait for a process to be reaped after SIGKILL.
var KillWait = 5 * time.Second

// SpawnError is returned when the executable can't be located or launched.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Command describes the executable to start.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // appended to os.Environ()
}

// Result is the outcome of a process, final once Done is closed.
type Result struct {
	Path    string
	Args    []string
	Pid     int
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// Process is a started child process.
type Process struct {
	cmd    *exec.Cmd
	output *os.File
	done   chan struct{}

	mx     sync.RWMutex
	result Result
}

// Start runs the command and returns immediately. The returned error is
// a *SpawnError.
func Start(ctx context.Context, proto Command) (*Process, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: proto.Path, Err: fmt.Errorf("creating output pipe: %w", err)}
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)

	started := time.Now().UTC()
	err = cmd.Start()
	// child holds its own copy of the write end
	_ = pw.Close()
	if err != nil {
		_ = pr.Close()
		return nil, &SpawnError{Path: proto.Path, Err: err}
	}

	p := &Process{
		cmd:    cmd,
		output: pr,
		done:   make(chan struct{}),
		result: Result{
			Path:    proto.Path,
			Args:    append([]string(nil), proto.Args...),
			Pid:     cmd.Process.Pid,
			Started: started,
		},
	}
	go p.wait()

	slog.DebugContext(ctx, "process started", "path", proto.Path, "args", proto.Args, "dir", proto.Dir, "pid", p.Pid())
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	stopped := time.Now().UTC()

	p.mx.Lock()
	p.result.Stopped = stopped
	p.result.State = p.cmd.ProcessState
	p.result.Err = err
	p.mx.Unlock()
	close(p.done)
}

func (p *Process) Pid() int {
	return p.result.Pid
}

// Output returns the merged stdout and stderr stream. It returns EOF once
// the process and all its descendants closed their output.
func (p *Process) Output() *os.File {
	return p.output
}

// Done is closed once the process was reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status of an exited process, -1 if it was
// terminated by a signal or is still running.
func (p *Process) ExitCode() int {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.result.State == nil {
		return -1
	}
	return p.result.State.ExitCode()
}

func (p *Process) Result() Result {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.result
}

// Signal delivers sig to the process group. It does not wait.
func (p *Process) Signal(sig os.Signal) error {
	return signalGroup(p.cmd.Process, sig)
}

// Wait returns the exit status or ErrTimeout if the process is still
// running after timeout.
func (p *Process) Wait(timeout time.Duration) (int, error) {
	if p.Exited() {
		return p.ExitCode(), nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.ExitCode(), nil
	case <-timer.C:
		return -1, ErrTimeout
	}
}

// Kill terminates the process group immediately. It does not wait.
func (p *Process) Kill() error {
	return signalGroup(p.cmd.Process, os.Kill)
}

// Stop asks the process to exit with sig and waits up to timeout. When the
// timeout fires the process is killed and reaped; the forced exit status is
// returned together with ErrTimeout. Whatever is left of the process group
// after the leader exited is killed.
func (p *Process) Stop(ctx context.Context, sig os.Signal, timeout time.Duration) (int, error) {
	if err := p.Signal(sig); err != nil {
		slog.DebugContext(ctx, "signal failed: killing", "pid", p.Pid(), "signal", sig, "err", err)
		timeout = 0
	}
	code, err := p.Wait(timeout)
	if !errors.Is(err, ErrTimeout) {
		if err == nil {
			p.sweep(ctx)
		}
		return code, err
	}

	if kerr := p.Kill(); kerr != nil {
		return -1, errors.Join(err, fmt.Errorf("killing pid %d: %w", p.Pid(), kerr))
	}
	code, kerr := p.Wait(KillWait)
	if kerr != nil {
		return code, errors.Join(err, fmt.Errorf("reaping killed pid %d: %w", p.Pid(), kerr))
	}
	slog.DebugContext(ctx, "process killed after stop timeout", "pid", p.Pid(), "timeout", timeout)
	return code, err
}

// sweep kills descendants still running in the group of an exited leader.
func (p *Process) sweep(ctx context.Context) {
	if err := p.Kill(); err != nil {
		slog.DebugContext(ctx, "killing process group", "pid", p.Pid(), "err", err)
	}
}

// Close releases the read end of the output pipe. A blocked reader
// returns os.ErrClosed.
func (p *Process) Close() error {
	return p.output.Close()
}
