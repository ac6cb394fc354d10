package sshtunnel

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

// Identity is how the tunnel authenticates against the bastion. Exactly one
// of Password or PrivateKey is expected; when both are set the key is tried
// first.
type Identity struct {
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// PrivateKey holds PEM data. PrivateKeyPath is read when PrivateKey is
	// empty.
	PrivateKey     string `json:"privateKey,omitempty" yaml:"privateKey,omitempty"`
	PrivateKeyPath string `json:"privateKeyPath,omitempty" yaml:"privateKeyPath,omitempty"`
	Passphrase     string `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
}

// Spec describes the bastion host.
type Spec struct {
	Host     string   `json:"host" yaml:"host"`
	Port     int      `json:"port" yaml:"port"`
	User     string   `json:"user" yaml:"user"`
	Identity Identity `json:"identity" yaml:"identity"`
}

func (s Spec) validate() error {
	if s.Host == "" {
		return apperr.Argument("ssh host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return apperr.Argument("ssh port %d out of range", s.Port)
	}
	if s.User == "" {
		return apperr.Argument("ssh user is required")
	}
	return nil
}

// authMethods builds the client auth methods for id.
func authMethods(id Identity) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	pemData := []byte(id.PrivateKey)
	if len(pemData) == 0 && id.PrivateKeyPath != "" {
		data, err := os.ReadFile(id.PrivateKeyPath)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrArgument, fmt.Errorf("read private key: %w", err))
		}
		pemData = data
	}
	if len(pemData) > 0 {
		signer, err := parsePrivateKey(pemData, id.Passphrase)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if id.Password != "" {
		methods = append(methods, ssh.Password(id.Password))
	}
	if len(methods) == 0 {
		return nil, apperr.Argument("ssh identity needs a password or a private key")
	}
	return methods, nil
}

func parsePrivateKey(pemData []byte, passphrase string) (ssh.Signer, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemData)
	}
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) || errors.Is(err, x509.IncorrectPasswordError) {
		return nil, apperr.Wrap(apperr.ErrAuthFailure, fmt.Errorf("private key passphrase: %w", err))
	}
	return nil, apperr.Wrap(apperr.ErrArgument, fmt.Errorf("parse private key: %w", err))
}
