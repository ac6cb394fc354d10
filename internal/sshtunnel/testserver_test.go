package sshtunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "bastion"
	testPassword = "s3cret"
)

// testBastion is an in-process SSH server that accepts password and public
// key auth and serves direct-tcpip channels.
type testBastion struct {
	addr     string
	listener net.Listener

	mu       sync.Mutex
	netConns []net.Conn
	channels int

	done chan struct{}
}

func newTestSigner(t *testing.T) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer, priv
}

func encodeKey(t *testing.T, priv ed25519.PrivateKey, passphrase string) string {
	t.Helper()
	var (
		block *pem.Block
		err   error
	)
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(block))
}

func startTestBastion(t *testing.T, authorized ssh.PublicKey) *testBastion {
	t.Helper()

	hostSigner, _ := newTestSigner(t)
	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorized) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &testBastion{addr: l.Addr().String(), listener: l, done: make(chan struct{})}

	go func() {
		defer close(b.done)
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			b.mu.Lock()
			b.netConns = append(b.netConns, c)
			b.mu.Unlock()
			go b.serve(c, config)
		}
	}()
	t.Cleanup(b.Close)
	return b
}

func (b *testBastion) spec(id Identity) Spec {
	host, portStr, _ := net.SplitHostPort(b.addr)
	port, _ := strconv.Atoi(portStr)
	return Spec{Host: host, Port: port, User: testUser, Identity: id}
}

// dropConnections simulates the bastion going away without closing the
// listener.
func (b *testBastion) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.netConns {
		c.Close()
	}
	b.netConns = nil
}

func (b *testBastion) channelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels
}

func (b *testBastion) Close() {
	b.listener.Close()
	b.dropConnections()
	<-b.done
}

func (b *testBastion) serve(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		host, port := parseDirectTCPIPData(newChan.ExtraData())
		target, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 5*time.Second)
		if err != nil {
			newChan.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			target.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		b.mu.Lock()
		b.channels++
		b.mu.Unlock()
		go forwardChannel(ch, target)
	}
}

// parseDirectTCPIPData parses the channel extra data for direct-tcpip channels.
// Format: string(host) + uint32(port) + string(origAddr) + uint32(origPort)
func parseDirectTCPIPData(data []byte) (string, int) {
	var msg struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(data, &msg); err != nil {
		return "", 0
	}
	return msg.Host, int(msg.Port)
}

func forwardChannel(ch ssh.Channel, conn net.Conn) {
	defer ch.Close()
	defer conn.Close()
	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, conn); ch.CloseWrite(); done <- struct{}{} }()
	go func() { io.Copy(conn, ch); done <- struct{}{} }()
	<-done
}

// startEchoServer accepts connections and echoes everything back.
func startEchoServer(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	addr := l.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}
