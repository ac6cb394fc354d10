package profiles

import (
	"fmt"
	"io"
	"log"

	"gopkg.in/yaml.v3"

	"github.com/tzfun/etcd-workbench/internal/etcd"
	"github.com/tzfun/etcd-workbench/internal/logutil"
	"github.com/tzfun/etcd-workbench/internal/watcher"
)

const exportVersion = 1

// Profile is the portable form of a profile. It carries credentials in
// clear text.
type Profile struct {
	Name       string              `yaml:"name"`
	Spec       etcd.ConnectionSpec `yaml:"spec"`
	Monitors   []watcher.Config    `yaml:"monitors,omitempty"`
	Collection []string            `yaml:"collection,omitempty"`
}

type exportFile struct {
	Version  int       `yaml:"version"`
	Profiles []Profile `yaml:"profiles"`
}

// Export writes every profile as YAML.
func (s *Store) Export(w io.Writer) (int, error) {
	sums, err := s.List()
	if err != nil {
		return 0, err
	}
	file := exportFile{Version: exportVersion}
	for _, sum := range sums {
		spec, err := s.Get(sum.Name)
		if err != nil {
			return 0, err
		}
		monitors, err := s.Monitors(sum.Name)
		if err != nil {
			return 0, err
		}
		coll, err := s.Collection(sum.Name)
		if err != nil {
			return 0, err
		}
		file.Profiles = append(file.Profiles, Profile{Name: sum.Name, Spec: spec, Monitors: monitors, Collection: coll})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(file); err != nil {
		return 0, fmt.Errorf("encode profiles: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("encode profiles: %w", err)
	}
	return len(file.Profiles), nil
}

// Import reads profiles written by Export. Profiles with an existing name
// are replaced, monitors and collection included.
func (s *Store) Import(r io.Reader) (int, error) {
	var file exportFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return 0, fmt.Errorf("decode profiles: %w", err)
	}
	if file.Version != exportVersion {
		return 0, fmt.Errorf("unsupported profile export version %d", file.Version)
	}

	for i, p := range file.Profiles {
		if err := s.Save(p.Name, p.Spec); err != nil {
			return i, fmt.Errorf("import profile %q: %w", p.Name, err)
		}
		existing, err := s.Monitors(p.Name)
		if err != nil {
			return i, err
		}
		for _, m := range existing {
			if err := s.RemoveMonitor(p.Name, m.Key); err != nil {
				return i, err
			}
		}
		for _, m := range p.Monitors {
			if err := s.SaveMonitor(p.Name, m); err != nil {
				return i, fmt.Errorf("import monitor %s of %q: %w", logutil.SanitizeForLog(m.Key), p.Name, err)
			}
		}
		if err := s.SetCollection(p.Name, p.Collection); err != nil {
			return i, err
		}
		log.Printf("[profiles] imported %s", logutil.SanitizeForLog(p.Name))
	}
	return len(file.Profiles), nil
}
