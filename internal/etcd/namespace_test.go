package etcd

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestNamespaceRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		key, ns  []byte
		wantFull []byte
	}{
		{"plain", []byte("/a/b"), []byte("/app"), []byte("/app/a/b")},
		{"empty namespace", []byte("/a"), nil, []byte("/a")},
		{"key contains namespace later", []byte("/x/app/y"), []byte("/app"), []byte("/app/x/app/y")},
		{"key equals namespace", []byte("/app"), []byte("/app"), []byte("/app/app")},
		{"binary", []byte{0xff, 0x00, 0x01}, []byte{0x00, 0xff}, []byte{0x00, 0xff, 0xff, 0x00, 0x01}},
		{"empty key", []byte{}, []byte("/ns"), []byte("/ns")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			full := prefixKey(tt.ns, tt.key)
			if !bytes.Equal(full, tt.wantFull) {
				t.Fatalf("prefixKey = %q, want %q", full, tt.wantFull)
			}
			if got := stripKey(tt.ns, full); !bytes.Equal(got, tt.key) {
				t.Fatalf("stripKey = %q, want %q", got, tt.key)
			}
		})
	}
}

func TestNamespaceRoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		ns := randBytes(r, r.Intn(6))
		key := randBytes(r, r.Intn(12))
		// Embed the namespace at a non-zero offset half of the time.
		if len(ns) > 0 && i%2 == 0 {
			key = append(append([]byte{'k'}, ns...), key...)
		}
		if got := stripKey(ns, prefixKey(ns, key)); !bytes.Equal(got, key) {
			t.Fatalf("round trip failed: ns=%q key=%q got=%q", ns, key, got)
		}
	}
}

func TestStripKeyLeavesForeignKeys(t *testing.T) {
	if got := stripKey([]byte("/ns"), []byte("/other/ns")); string(got) != "/other/ns" {
		t.Fatalf("stripKey = %q", got)
	}
}

func TestPrefixKeyDoesNotAlias(t *testing.T) {
	ns := make([]byte, 3, 16)
	copy(ns, "/ns")
	a := prefixKey(ns, []byte("a"))
	b := prefixKey(ns, []byte("b"))
	if string(a) != "/nsa" || string(b) != "/nsb" {
		t.Fatalf("aliasing: a=%q b=%q", a, b)
	}
}

func TestRangeEnd(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte("/app"), []byte("/apq")},
		{[]byte("a"), []byte("b")},
		{[]byte{'a', 0xff}, []byte("b")},
		{[]byte{'a', 0xfe}, []byte{'a', 0xff}},
		{[]byte{0x01, 0xff, 0xff}, []byte{0x02}},
		{[]byte{0xff}, []byte{0x00}},
		{[]byte{0xff, 0xff}, []byte{0x00}},
		{nil, []byte{0x00}},
	}
	for _, tt := range tests {
		if got := rangeEnd(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("rangeEnd(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRangeEndIsTightUpperBound(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 2000; i++ {
		p := randBytes(r, 1+r.Intn(4))
		if i%3 == 0 {
			p = append(p, 0xff)
		}
		end := rangeEnd(p)
		if isOpenEnd(end) {
			if !bytes.Equal(bytes.TrimLeft(p, "\xff"), nil) {
				t.Fatalf("open end for non-0xFF prefix %q", p)
			}
			continue
		}

		// Every key starting with p sorts below end.
		ext := append(bytes.Clone(p), randBytes(r, r.Intn(5))...)
		ext = append(ext, 0xff, 0xff)
		if bytes.Compare(ext, end) >= 0 {
			t.Fatalf("key %q with prefix %q not below end %q", ext, p, end)
		}
		// end itself does not start with p, so nothing between is skipped.
		if bytes.HasPrefix(end, p) {
			t.Fatalf("end %q still has prefix %q", end, p)
		}
		// The input is left untouched.
		if i%3 == 0 && p[len(p)-1] != 0xff {
			t.Fatalf("rangeEnd mutated its input: %q", p)
		}
	}
}

func randBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		if r.Intn(4) == 0 {
			b[i] = 0xff
			continue
		}
		b[i] = byte(r.Intn(256))
	}
	return b
}
