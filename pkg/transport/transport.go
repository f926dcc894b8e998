// Package transport runs the tool server as a child process and exchanges
// newline-delimited frames over its standard streams.
package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

const (
	maxFrameBytes     = 16 << 20
	defaultCloseGrace = 2 * time.Second
	lineBuffer        = 64
)

// Spec is the launch description of the tool server process.
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Process owns one running tool server. One writer and one reader may use it
// concurrently; frames never interleave.
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   *slog.Logger
	grace time.Duration

	writeMu sync.Mutex

	readMu   sync.Mutex
	lines    chan []byte
	readErr  error
	terminal bool

	stop      chan struct{}
	exited    chan struct{}
	exitErr   error
	closeOnce sync.Once
}

// Start launches the process described by spec. A launch failure is returned as *SpawnError.
func Start(spec Spec, log *slog.Logger) (*Process, error) {
	if log == nil {
		log = slog.Default()
	}
	if spec.Command == "" {
		return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("command is empty")}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		log:    log.With("component", "transport.process", "pid", cmd.Process.Pid),
		grace:  defaultCloseGrace,
		lines:  make(chan []byte, lineBuffer),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readLoop(stdout)
	}()
	go func() {
		defer readers.Done()
		p.stderrLoop(stderr, log.With("component", "transport.stderr"))
	}()
	go func() {
		readers.Wait()
		p.exitErr = cmd.Wait()
		p.log.Debug("Tool server exited", "error", errorString(p.exitErr))
		close(p.exited)
	}()

	p.log.Info("Tool server started", "command", spec.Command, "args", spec.Args)
	return p, nil
}

// SendLine writes one frame followed by a newline.
func (p *Process) SendLine(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return &WriteError{Err: ErrEmbeddedNewline}
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.stdin.Write(buf); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// RecvLine returns the next frame. A zero deadline waits indefinitely.
// After the process output ends, io.EOF is returned exactly once and every
// later call fails with a *ReadError wrapping ErrClosed.
func (p *Process) RecvLine(deadline time.Time) ([]byte, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	if p.terminal {
		return nil, &ReadError{Err: ErrClosed}
	}

	select {
	case line, ok := <-p.lines:
		return p.deliver(line, ok)
	default:
	}

	var expire <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case line, ok := <-p.lines:
		return p.deliver(line, ok)
	case <-expire:
		return nil, ErrTimeout
	}
}

func (p *Process) deliver(line []byte, ok bool) ([]byte, error) {
	if ok {
		return line, nil
	}

	p.terminal = true
	if p.readErr != nil {
		return nil, &ReadError{Err: p.readErr}
	}
	return nil, io.EOF
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// Close closes stdin, waits briefly for a graceful exit and kills the process otherwise.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		_ = p.stdin.Close()

		timer := time.NewTimer(p.grace)
		defer timer.Stop()

		select {
		case <-p.exited:
		case <-timer.C:
			p.log.Warn("Tool server did not exit after stdin closed, killing")
			if err := p.cmd.Process.Kill(); err != nil {
				p.log.Error("Failed to kill tool server", "error", err)
			}
			<-p.exited
		}
	})
	return nil
}

func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.lines)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		select {
		case p.lines <- bytes.Clone(line):
		case <-p.stop:
			_, _ = io.Copy(io.Discard, stdout)
			return
		}
	}

	p.readErr = scanner.Err()
	if p.readErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
}

func (p *Process) stderrLoop(stderr io.Reader, log *slog.Logger) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 16*1024), maxFrameBytes)
	for scanner.Scan() {
		text := string(bytes.TrimRight(scanner.Bytes(), "\r"))
		if text == "" {
			continue
		}
		log.Info(text)
	}
	_, _ = io.Copy(io.Discard, stderr)
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := append([]string{}, base...)
	for _, key := range keys {
		env = append(env, key+"="+extra[key])
	}
	return env
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
