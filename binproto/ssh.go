package binproto

import (
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHTransport runs the protocol over an SSH session's stdin/stdout, for
// devices reachable through a console server rather than a local port.
// The remote command is expected to speak the protocol on its stdio.
//
// SSH pipes have no native read deadlines, so reads are pumped through a
// channel and SetReadDeadline is honored by waiting on a timer.
type SSHTransport struct {
	sshSession *ssh.Session
	stdin      io.WriteCloser
	stderr     io.Reader

	frames   chan readResult
	leftover []byte
	deadline time.Time
}

type readResult struct {
	data []byte
	err  error
}

// timeoutError satisfies os.IsTimeout so the IO layer treats an expired
// deadline as "no data yet" rather than a transport failure.
type timeoutError struct{}

func (timeoutError) Error() string { return "read deadline exceeded" }
func (timeoutError) Timeout() bool { return true }

// NewSSHTransport wires a transport onto an SSH session and starts the
// given remote command. Close the transport when the transfer is done.
func NewSSHTransport(sshSession *ssh.Session, command string) (*SSHTransport, error) {
	stdin, err := sshSession.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := sshSession.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderr, err := sshSession.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	if err := sshSession.Start(command); err != nil {
		stdin.Close()
		return nil, err
	}

	t := &SSHTransport{
		sshSession: sshSession,
		stdin:      stdin,
		stderr:     stderr,
		frames:     make(chan readResult, 8),
	}
	go t.pump(stdout)
	return t, nil
}

func (t *SSHTransport) pump(stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.frames <- readResult{data: data}
		}
		if err != nil {
			t.frames <- readResult{err: err}
			return
		}
	}
}

func (t *SSHTransport) Read(p []byte) (int, error) {
	if len(t.leftover) > 0 {
		n := copy(p, t.leftover)
		t.leftover = t.leftover[n:]
		return n, nil
	}

	var timer <-chan time.Time
	if !t.deadline.IsZero() {
		d := time.Until(t.deadline)
		if d <= 0 {
			return 0, timeoutError{}
		}
		tm := time.NewTimer(d)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case res := <-t.frames:
		if res.err != nil {
			return 0, res.err
		}
		n := copy(p, res.data)
		t.leftover = res.data[n:]
		return n, nil
	case <-timer:
		return 0, timeoutError{}
	}
}

func (t *SSHTransport) Write(p []byte) (int, error) {
	return t.stdin.Write(p)
}

func (t *SSHTransport) SetReadDeadline(dl time.Time) error {
	t.deadline = dl
	return nil
}

// Stderr returns the remote command's stderr for diagnostics.
func (t *SSHTransport) Stderr() io.Reader {
	return t.stderr
}

// Close closes stdin to signal completion and waits for the remote
// command to exit.
func (t *SSHTransport) Close() error {
	t.stdin.Close()
	return t.sshSession.Wait()
}
