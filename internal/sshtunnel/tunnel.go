package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepaliveInterval = 10 * time.Second

	// keepaliveMaxMissed is how many consecutive keepalive failures are
	// tolerated before the tunnel reports a fault.
	keepaliveMaxMissed = 3

	faultBuffer = 8
)

// Options tune an individual tunnel. Zero values select the defaults.
type Options struct {
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
}

// Tunnel is an established local port forward through an SSH bastion.
type Tunnel struct {
	client    *ssh.Client
	listener  net.Listener
	localPort int
	target    string
	bastion   string

	abort     chan struct{}
	abortOnce sync.Once
	faults    chan error

	wg      sync.WaitGroup
	streams atomic.Int64

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// Open connects to the bastion described by spec and starts forwarding
// 127.0.0.1:LocalPort() to targetHost:targetPort.
func Open(ctx context.Context, spec Spec, targetHost string, targetPort int, opts Options) (*Tunnel, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if targetHost == "" || targetPort <= 0 || targetPort > 65535 {
		return nil, apperr.Argument("invalid tunnel target %s:%d", targetHost, targetPort)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepaliveInterval
	}

	auth, err := authMethods(spec.Identity)
	if err != nil {
		return nil, err
	}

	bastion := net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))
	client, err := dialBastion(ctx, bastion, &ssh.ClientConfig{
		User:            spec.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         opts.ConnectTimeout,
	}, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, apperr.Wrap(apperr.ErrTransport, fmt.Errorf("listen on local port: %w", err))
	}

	t := &Tunnel{
		client:    client,
		listener:  listener,
		localPort: listener.Addr().(*net.TCPAddr).Port,
		target:    net.JoinHostPort(targetHost, strconv.Itoa(targetPort)),
		bastion:   bastion,
		abort:     make(chan struct{}),
		faults:    make(chan error, faultBuffer),
	}

	t.wg.Add(3)
	go t.acceptLoop()
	go t.waitLoop()
	go t.keepalive(opts.KeepaliveInterval)

	log.Printf("[tunnel] opened 127.0.0.1:%d -> %s via %s@%s", t.localPort, t.target, spec.User, bastion)
	return t, nil
}

// dialBastion performs the TCP dial and SSH handshake, both bounded by
// timeout, and classifies failures.
func dialBastion(ctx context.Context, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return nil, apperr.Wrap(apperr.ErrTimeout, fmt.Errorf("dial %s: %w", addr, err))
		}
		return nil, apperr.Wrap(apperr.ErrTransport, fmt.Errorf("dial %s: %w", addr, err))
	}

	// The handshake itself has no context; a deadline on the raw conn bounds it.
	deadline, _ := dialCtx.Deadline()
	netConn.SetDeadline(deadline)
	stop := context.AfterFunc(dialCtx, func() { netConn.SetDeadline(time.Now()) })

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if !stop() && err == nil {
		// ctx fired right as the handshake finished; the conn is unusable.
		sshConn.Close()
		err = dialCtx.Err()
	}
	if err != nil {
		netConn.Close()
		switch {
		case strings.Contains(err.Error(), "unable to authenticate"):
			return nil, apperr.Wrap(apperr.ErrAuthFailure, fmt.Errorf("ssh handshake with %s: %w", addr, err))
		case isTimeout(err) || dialCtx.Err() != nil:
			return nil, apperr.Wrap(apperr.ErrTimeout, fmt.Errorf("ssh handshake with %s: %w", addr, err))
		default:
			return nil, apperr.Wrap(apperr.ErrTransport, fmt.Errorf("ssh handshake with %s: %w", addr, err))
		}
	}
	netConn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// LocalPort is the loopback port clients connect to. It never changes.
func (t *Tunnel) LocalPort() int { return t.localPort }

// LocalAddr is 127.0.0.1:LocalPort().
func (t *Tunnel) LocalAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(t.localPort))
}

// Faults delivers post-establishment faults. Faults that arrive while the
// buffer is full are dropped; the first one is the interesting one.
func (t *Tunnel) Faults() <-chan error { return t.faults }

// Done is closed once Close has been called.
func (t *Tunnel) Done() <-chan struct{} { return t.abort }

// Stats reports the bytes proxied so far and the number of open streams.
func (t *Tunnel) Stats() (in, out, streams int64) {
	return t.bytesIn.Load(), t.bytesOut.Load(), t.streams.Load()
}

func (t *Tunnel) aborted() bool {
	select {
	case <-t.abort:
		return true
	default:
		return false
	}
}

func (t *Tunnel) fault(err error) {
	if t.aborted() {
		return
	}
	log.Printf("[tunnel] fault on 127.0.0.1:%d -> %s: %v", t.localPort, t.target, err)
	select {
	case t.faults <- apperr.Wrap(apperr.ErrTransport, err):
	default:
	}
}

// Close aborts the tunnel and waits for the accept loop and every proxied
// stream to exit. It is safe to call more than once.
func (t *Tunnel) Close() error {
	first := false
	t.abortOnce.Do(func() {
		first = true
		close(t.abort)
	})
	if !first {
		t.wg.Wait()
		return nil
	}

	t.listener.Close()
	err := t.client.Close()
	t.wg.Wait()

	in, out, _ := t.Stats()
	log.Printf("[tunnel] closed 127.0.0.1:%d -> %s (in=%d out=%d bytes)", t.localPort, t.target, in, out)
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("close ssh client: %w", err)
	}
	return nil
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.aborted() {
				return
			}
			t.fault(fmt.Errorf("accept: %w", err))
			return
		}

		remote, err := t.client.Dial("tcp", t.target)
		if err != nil {
			conn.Close()
			t.fault(fmt.Errorf("open channel to %s: %w", t.target, err))
			continue
		}

		t.wg.Add(1)
		go t.proxy(conn, remote)
	}
}

// waitLoop reports the bastion going away.
func (t *Tunnel) waitLoop() {
	defer t.wg.Done()
	err := t.client.Wait()
	if t.aborted() {
		return
	}
	if err == nil {
		err = io.EOF
	}
	t.fault(fmt.Errorf("ssh connection to %s ended: %w", t.bastion, err))
}

func (t *Tunnel) keepalive(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-t.abort:
			return
		case <-ticker.C:
			if _, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				missed++
				if missed >= keepaliveMaxMissed {
					t.fault(fmt.Errorf("keepalive failed %d times: %w", missed, err))
					return
				}
				continue
			}
			missed = 0
		}
	}
}

type closeWriter interface {
	CloseWrite() error
}

// proxy pipes bytes between the local connection and the SSH channel until
// either side finishes or the tunnel aborts, then closes both.
func (t *Tunnel) proxy(local, remote net.Conn) {
	defer t.wg.Done()
	t.streams.Add(1)
	defer t.streams.Add(-1)

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn, counter *atomic.Int64) {
		n, _ := io.Copy(dst, src)
		counter.Add(n)
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
		}
		done <- struct{}{}
	}
	go pipe(remote, local, &t.bytesOut)
	go pipe(local, remote, &t.bytesIn)

	finished := 0
	select {
	case <-done:
		finished++
	case <-t.abort:
	}
	local.Close()
	remote.Close()
	for ; finished < 2; finished++ {
		<-done
	}
}
