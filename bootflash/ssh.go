package bootflash

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// DefaultRemoteCommand bridges the remote host's serial port to the SSH
// session's stdio.
const DefaultRemoteCommand = "socat - /dev/ttyUSB0,b38400,raw,echo=0"

// SSHChannel is a Channel to a bootloader attached to a remote host.
// A command on the remote side (socat by default) relays the serial port over
// the session's stdin and stdout.
type SSHChannel struct {
	sshSession *ssh.Session
	stdin      io.WriteCloser
	stderr     bytes.Buffer

	mu      sync.Mutex
	pending bytes.Buffer
	readErr error
	done    chan struct{}
}

// NewSSHChannel starts command on sshSession and returns a Channel over its
// stdio. An empty command selects DefaultRemoteCommand.
func NewSSHChannel(sshSession *ssh.Session, command string) (*SSHChannel, error) {
	if command == "" {
		command = DefaultRemoteCommand
	}

	stdin, err := sshSession.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := sshSession.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}

	c := &SSHChannel{
		sshSession: sshSession,
		stdin:      stdin,
		done:       make(chan struct{}),
	}
	sshSession.Stderr = &lockedWriter{mu: &c.mu, w: &c.stderr}

	if err := sshSession.Start(command); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start remote command %q: %w", command, err)
	}

	go c.pump(stdout)
	return c, nil
}

// pump moves remote output into the pending buffer so Read never blocks.
func (c *SSHChannel) pump(stdout io.Reader) {
	defer close(c.done)

	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		c.mu.Lock()
		c.pending.Write(buf[:n])
		if err != nil {
			c.readErr = err
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// Read returns buffered remote output. Once the remote command's output has
// ended and the buffer is empty it returns io.EOF.
func (c *SSHChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending.Len() > 0 {
		return c.pending.Read(p)
	}
	if c.readErr != nil {
		if errors.Is(c.readErr, io.EOF) {
			return 0, io.EOF
		}
		return 0, c.readErr
	}
	return 0, nil
}

func (c *SSHChannel) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

// Stderr returns what the remote command printed on stderr so far.
func (c *SSHChannel) Stderr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stderr.String()
}

// Close closes stdin, waits for the remote command and closes the session.
func (c *SSHChannel) Close() error {
	var errs []error

	if err := c.stdin.Close(); err != nil && !errors.Is(err, io.EOF) {
		errs = append(errs, err)
	}

	if err := c.sshSession.Close(); err != nil && !errors.Is(err, io.EOF) {
		errs = append(errs, err)
	}
	<-c.done

	if len(errs) > 0 {
		return errs[0] // Return first error
	}

	return nil
}

// lockedWriter serializes writes with the channel's mutex.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
