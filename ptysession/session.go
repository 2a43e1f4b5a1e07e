// Package ptysession owns a child process attached to a PTY master file
// descriptor and exposes the narrow read/write/resize/terminate contract
// the bridge's client session needs, independent of how the child was
// spawned on the host platform.
package ptysession

import (
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"

	gopty "github.com/aymanbagabas/go-pty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Session is a spawned child process plus the PTY master it is attached
// to. The zero value is not usable; construct with Spawn.
type Session struct {
	pty  gopty.Pty
	cmd  *gopty.Cmd
	pid  int
	done chan struct{}

	exitCode atomic.Int32

	log zerolog.Logger
}

// Spawn forks argv[0] with argv[1:] attached to a freshly allocated PTY,
// with TERM=xterm-256color set in the child's environment, and working
// directory dir (falls back to the process's own working directory if dir
// is empty or doesn't exist).
func Spawn(argv []string, dir string, log zerolog.Logger) (*Session, error) {
	if len(argv) == 0 {
		return nil, errors.New("ptysession: empty argv")
	}

	p, err := gopty.New()
	if err != nil {
		return nil, errors.Wrap(err, "allocate pty")
	}

	cmd := p.Command(argv[0], argv[1:]...)
	if dir != "" {
		if _, statErr := os.Stat(dir); statErr == nil {
			cmd.Dir = dir
		}
	}
	cmd.Env = childEnv(argv[0])

	if err := cmd.Start(); err != nil {
		p.Close()
		return nil, errors.Wrap(err, "start child")
	}

	s := &Session{
		pty:  p,
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
		log:  log,
	}
	log.Info().Int("pid", s.pid).Strs("argv", argv).Msg("spawned pty child")
	return s, nil
}

// childEnv builds the environment handed to the spawned child: the
// process's own environment plus TERM/COLORTERM, falling back to a
// reasonable SHELL entry when one isn't already set.
func childEnv(command string) []string {
	env := os.Environ()
	has := make(map[string]bool, len(env))
	for _, e := range env {
		if i := strings.IndexByte(e, '='); i > 0 {
			has[e[:i]] = true
		}
	}
	if !has["SHELL"] {
		env = append(env, "SHELL="+command)
	}
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	return env
}

// Pid returns the spawned child's process id.
func (s *Session) Pid() int { return s.pid }

// Read reads available PTY output into buf. A zero-length, nil-error read
// never happens on a PTY; io.EOF signals the child exited or the PTY
// closed (the "n=0" case, close code NORMAL), while any other error is a
// PTY read error (close code UNEXPECTED_CONDITION).
func (s *Session) Read(buf []byte) (int, error) {
	return s.pty.Read(buf)
}

// Write writes client input into the PTY.
func (s *Session) Write(p []byte) (int, error) {
	return s.pty.Write(p)
}

// Resize applies new terminal dimensions. Errors are the caller's to log;
// they are non-fatal per the PTY Session contract.
func (s *Session) Resize(cols, rows int) error {
	return s.pty.Resize(cols, rows)
}

// Terminate sends sig to the child, reaps it (tolerating EINTR), and
// releases the PTY master. Idempotent: a second call is a no-op.
func (s *Session) Terminate(sig syscall.Signal, sigName string) {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)

	if s.cmd.Process != nil {
		s.log.Info().Int("pid", s.pid).Str("signal", sigName).Msg("terminating pty child")
		if err := s.cmd.Process.Signal(sig); err != nil {
			s.log.Warn().Err(err).Int("pid", s.pid).Msg("signal delivery failed")
		}
	}

	for {
		err := s.cmd.Wait()
		if err == nil {
			s.log.Info().Int("pid", s.pid).Int("exit_code", 0).Msg("pty child reaped")
			break
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			s.exitCode.Store(int32(exitErr.ExitCode()))
			s.log.Info().Int("pid", s.pid).Int("exit_code", exitErr.ExitCode()).Msg("pty child reaped")
		} else {
			s.log.Warn().Err(err).Int("pid", s.pid).Msg("pty child reap error")
		}
		break
	}

	s.pty.Close()
}

// Done reports when the session has been terminated and its PTY closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitCode returns the child's exit status, valid once Done is closed.
// Zero both for a clean exit and for a session whose child never ran.
func (s *Session) ExitCode() int {
	return int(s.exitCode.Load())
}
