package etcd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"go.etcd.io/etcd/api/v3/authpb"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/sshtunnel"
)

// selfSignedPEM returns a throwaway certificate and key in PEM form.
func selfSignedPEM(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "etcd-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}

func TestConnectionSpecValidate(t *testing.T) {
	tests := []struct {
		name string
		spec ConnectionSpec
		ok   bool
	}{
		{"minimal", ConnectionSpec{Host: "127.0.0.1", Port: 2379}, true},
		{"with user", ConnectionSpec{Host: "etcd", Port: 2379, User: "root", Password: "pw"}, true},
		{"missing host", ConnectionSpec{Port: 2379}, false},
		{"port zero", ConnectionSpec{Host: "etcd"}, false},
		{"port too large", ConnectionSpec{Host: "etcd", Port: 70000}, false},
		{"password without user", ConnectionSpec{Host: "etcd", Port: 2379, Password: "pw"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, apperr.ErrArgument) {
				t.Errorf("err = %v, want argument error", err)
			}
		})
	}
}

func TestTLSConfigFromPEM(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)

	cfg, err := (&TLSSpec{CACert: certPEM, Cert: certPEM, Key: keyPEM, ServerName: "etcd.internal"}).tlsConfig()
	if err != nil {
		t.Fatalf("tlsConfig: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 || cfg.ServerName != "etcd.internal" {
		t.Errorf("config = roots:%v certs:%d server:%q", cfg.RootCAs != nil, len(cfg.Certificates), cfg.ServerName)
	}

	var nilSpec *TLSSpec
	if cfg, err := nilSpec.tlsConfig(); cfg != nil || err != nil {
		t.Errorf("nil spec = %v, %v", cfg, err)
	}

	if _, err := (&TLSSpec{CACert: "not a pem"}).tlsConfig(); !errors.Is(err, apperr.ErrArgument) {
		t.Errorf("bad CA err = %v", err)
	}
	if _, err := (&TLSSpec{Cert: certPEM}).tlsConfig(); !errors.Is(err, apperr.ErrArgument) {
		t.Errorf("cert without key err = %v", err)
	}
	if _, err := (&TLSSpec{CAFile: "/does/not/exist.pem"}).tlsConfig(); !errors.Is(err, apperr.ErrArgument) {
		t.Errorf("missing CA file err = %v", err)
	}
}

func TestClientConfigThroughTunnelKeepsServerName(t *testing.T) {
	certPEM, _ := selfSignedPEM(t)
	spec := ConnectionSpec{
		Host: "etcd.internal",
		Port: 2379,
		User: "app",
		TLS:  &TLSSpec{CACert: certPEM},
		SSH:  &sshtunnel.Spec{Host: "bastion", Port: 22, User: "ops"},
	}

	cfg, err := spec.clientConfig("127.0.0.1:40123", time.Second)
	if err != nil {
		t.Fatalf("clientConfig: %v", err)
	}
	if cfg.Endpoints[0] != "127.0.0.1:40123" {
		t.Errorf("endpoint = %v", cfg.Endpoints)
	}
	if cfg.TLS == nil || cfg.TLS.ServerName != "etcd.internal" {
		t.Errorf("tls = %+v, want server name of the real host", cfg.TLS)
	}
	if cfg.Username != "app" {
		t.Errorf("username = %q", cfg.Username)
	}

	direct, err := spec.clientConfig(spec.Address(), time.Second)
	if err != nil {
		t.Fatalf("clientConfig: %v", err)
	}
	if direct.TLS.ServerName != "" {
		t.Errorf("direct server name = %q, want default", direct.TLS.ServerName)
	}
}

func TestPermissionFrom(t *testing.T) {
	tests := []struct {
		name string
		perm authpb.Permission
		want Permission
	}{
		{
			"single key",
			authpb.Permission{PermType: authpb.READ, Key: []byte("/a")},
			Permission{Key: "/a", Type: PermRead},
		},
		{
			"prefix",
			authpb.Permission{PermType: authpb.WRITE, Key: []byte("/a/"), RangeEnd: []byte("/a0")},
			Permission{Key: "/a/", Type: PermWrite, Prefix: true},
		},
		{
			"explicit range is not a prefix",
			authpb.Permission{PermType: authpb.READWRITE, Key: []byte("/a"), RangeEnd: []byte("/z")},
			Permission{Key: "/a", Type: PermReadWrite},
		},
		{
			"all keys",
			authpb.Permission{PermType: authpb.READWRITE, Key: []byte{}, RangeEnd: []byte{0}},
			Permission{Type: PermReadWrite, AllKeys: true},
		},
		{
			"all keys, zero byte key",
			authpb.Permission{PermType: authpb.READ, Key: []byte{0}, RangeEnd: []byte{0}},
			Permission{Type: PermRead, AllKeys: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := permissionFrom(&tt.perm); got != tt.want {
				t.Errorf("permissionFrom = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPermissionEncoding(t *testing.T) {
	p := Permission{Key: "/a/", Type: PermRead, Prefix: true}
	if p.key() != "/a/" || p.rangeEnd() != "/a0" {
		t.Errorf("prefix encodes as %q..%q", p.key(), p.rangeEnd())
	}
	all := Permission{Type: PermRead, AllKeys: true}
	if all.key() != "\x00" || all.rangeEnd() != "\x00" {
		t.Errorf("all keys encodes as %q..%q", all.key(), all.rangeEnd())
	}
	if _, err := (Permission{Type: "Admin"}).clientType(); !errors.Is(err, apperr.ErrArgument) {
		t.Errorf("unknown type err = %v", err)
	}
}

func TestKeyValueJSONKeepsBinaryKeys(t *testing.T) {
	kv := KeyValue{Key: []byte{0xff, 'a'}, Value: []byte("ok"), Version: 1}
	data, err := json.Marshal(kv)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"keyBytes":[255,97]`) {
		t.Errorf("binary key bytes missing: %s", s)
	}
	if strings.Contains(s, "valueBytes") {
		t.Errorf("utf-8 value got raw bytes: %s", s)
	}
}
