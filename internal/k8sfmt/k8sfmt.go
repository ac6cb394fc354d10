// Package k8sfmt renders Kubernetes objects stored in etcd as JSON.
//
// The API server keeps objects under /registry/ in its protobuf envelope
// (the "k8s\x00" magic followed by runtime.Unknown). Values that decode with
// the client-go scheme are re-encoded as indented JSON; anything else is left
// alone.
package k8sfmt

import (
	"bytes"
	"encoding/json"
	"log"

	"k8s.io/client-go/kubernetes/scheme"

	"github.com/tzfun/etcd-workbench/internal/etcd"
	"github.com/tzfun/etcd-workbench/internal/logutil"
)

// RegistryPrefix is where the API server stores objects.
const RegistryPrefix = "/registry/"

// Source labels values produced by this formatter.
const Source = "kubernetes"

// Formatter implements etcd.Formatter.
type Formatter struct{}

var _ etcd.Formatter = Formatter{}

// Format decodes value when key lives under RegistryPrefix.
func (Formatter) Format(key, value []byte) (*etcd.FormattedValue, bool) {
	if !bytes.HasPrefix(key, []byte(RegistryPrefix)) || len(value) == 0 {
		return nil, false
	}
	obj, gvk, err := scheme.Codecs.UniversalDeserializer().Decode(value, nil, nil)
	if err != nil {
		return nil, false
	}
	if gvk != nil {
		obj.GetObjectKind().SetGroupVersionKind(*gvk)
	}
	out, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		log.Printf("[k8sfmt] encode %s: %v", logutil.Key(key), err)
		return nil, false
	}
	return &etcd.FormattedValue{Source: Source, Value: string(out)}, true
}
