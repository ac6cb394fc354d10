package etcd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/sshtunnel"
)

// TLSSpec is the TLS material for an etcd endpoint. PEM fields take
// precedence over the file paths.
type TLSSpec struct {
	ServerName         string `json:"serverName,omitempty" yaml:"serverName,omitempty"`
	CACert             string `json:"caCert,omitempty" yaml:"caCert,omitempty"`
	Cert               string `json:"cert,omitempty" yaml:"cert,omitempty"`
	Key                string `json:"key,omitempty" yaml:"key,omitempty"`
	CAFile             string `json:"caFile,omitempty" yaml:"caFile,omitempty"`
	CertFile           string `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	KeyFile            string `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`
}

// ConnectionSpec is everything needed to reach one etcd cluster.
type ConnectionSpec struct {
	Host      string          `json:"host" yaml:"host"`
	Port      int             `json:"port" yaml:"port"`
	Namespace string          `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	User      string          `json:"user,omitempty" yaml:"user,omitempty"`
	Password  string          `json:"password,omitempty" yaml:"password,omitempty"`
	TLS       *TLSSpec        `json:"tls,omitempty" yaml:"tls,omitempty"`
	SSH       *sshtunnel.Spec `json:"ssh,omitempty" yaml:"ssh,omitempty"`
}

// Validate checks the fields that can be checked without dialing.
func (s ConnectionSpec) Validate() error {
	if s.Host == "" {
		return apperr.Argument("host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return apperr.Argument("port %d out of range", s.Port)
	}
	if s.Password != "" && s.User == "" {
		return apperr.Argument("password given without user")
	}
	return nil
}

// Address is host:port of the etcd endpoint as seen from the bastion (or
// from this machine without SSH).
func (s ConnectionSpec) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// tlsConfig builds the client TLS config, or nil for plaintext.
func (s *TLSSpec) tlsConfig() (*tls.Config, error) {
	if s == nil {
		return nil, nil
	}

	var (
		cfg *tls.Config
		err error
	)
	if s.CACert == "" && s.Cert == "" && (s.CAFile != "" || s.CertFile != "") {
		cfg, err = tlsconfig.Client(tlsconfig.Options{
			CAFile:             s.CAFile,
			CertFile:           s.CertFile,
			KeyFile:            s.KeyFile,
			InsecureSkipVerify: s.InsecureSkipVerify,
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrArgument, fmt.Errorf("load tls files: %w", err))
		}
	} else {
		cfg = tlsconfig.ClientDefault()
		cfg.InsecureSkipVerify = s.InsecureSkipVerify
		if s.CACert != "" {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM([]byte(s.CACert)) {
				return nil, apperr.Argument("ca certificate contains no PEM certificates")
			}
			cfg.RootCAs = pool
		}
		if s.Cert != "" || s.Key != "" {
			pair, err := tls.X509KeyPair([]byte(s.Cert), []byte(s.Key))
			if err != nil {
				return nil, apperr.Wrap(apperr.ErrArgument, fmt.Errorf("load client certificate: %w", err))
			}
			cfg.Certificates = []tls.Certificate{pair}
		}
	}
	if s.ServerName != "" {
		cfg.ServerName = s.ServerName
	}
	return cfg, nil
}

// clientConfig builds the clientv3 config for endpoint, which is either the
// spec's own address or a tunnel's local address.
func (s ConnectionSpec) clientConfig(endpoint string, dialTimeout time.Duration) (clientv3.Config, error) {
	tlsCfg, err := s.TLS.tlsConfig()
	if err != nil {
		return clientv3.Config{}, err
	}
	// Through a tunnel the certificate still names the real host.
	if tlsCfg != nil && tlsCfg.ServerName == "" && endpoint != s.Address() {
		tlsCfg.ServerName = s.Host
	}
	return clientv3.Config{
		Endpoints:            []string{endpoint},
		DialTimeout:          dialTimeout,
		DialKeepAliveTime:    10 * time.Second,
		DialKeepAliveTimeout: 5 * time.Second,
		Username:             s.User,
		Password:             s.Password,
		TLS:                  tlsCfg,
		PermitWithoutStream:  true,
	}, nil
}

// dialClient creates a client and classifies dial failures. clientv3.New
// blocks until the endpoint is reachable and authenticated when a dial
// timeout is configured.
func dialClient(ctx context.Context, cfg clientv3.Config) (*clientv3.Client, error) {
	type result struct {
		cli *clientv3.Client
		err error
	}
	ch := make(chan result, 1)
	go func() {
		cli, err := clientv3.New(cfg)
		ch <- result{cli, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, classifyDial(r.err)
		}
		return r.cli, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cli != nil {
				r.cli.Close()
			}
		}()
		return nil, apperr.Wrap(apperr.ErrTimeout, ctx.Err())
	}
}

func classifyDial(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.ErrTimeout, fmt.Errorf("dial etcd: %w", err))
	}
	classified := apperr.FromEtcd(err)
	if errors.Is(classified, apperr.ErrBackend) {
		return apperr.Wrap(apperr.ErrTransport, fmt.Errorf("dial etcd: %w", err))
	}
	return classified
}
