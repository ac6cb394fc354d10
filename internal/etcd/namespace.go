package etcd

import "bytes"

// noRangeEnd is etcd's sentinel for "every key greater or equal to the
// start key".
var noRangeEnd = []byte{0}

// prefixKey returns namespace+key in a fresh slice.
func prefixKey(namespace, key []byte) []byte {
	out := make([]byte, 0, len(namespace)+len(key))
	out = append(out, namespace...)
	return append(out, key...)
}

// stripKey removes the namespace from the front of key by length. Keys that
// do not start with the namespace are returned unchanged.
func stripKey(namespace, key []byte) []byte {
	if len(namespace) == 0 || !bytes.HasPrefix(key, namespace) {
		return key
	}
	return key[len(namespace):]
}

// rangeEnd treats prefix as an unsigned big-endian number and returns the
// smallest key greater than every key that starts with prefix. Trailing 0xFF
// bytes carry into the preceding byte. When every byte is 0xFF (or prefix is
// empty) there is no such key and the open-end sentinel is returned.
func rangeEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return bytes.Clone(noRangeEnd)
}

// isOpenEnd reports whether end is the open-end sentinel.
func isOpenEnd(end []byte) bool {
	return len(end) == 1 && end[0] == 0
}
