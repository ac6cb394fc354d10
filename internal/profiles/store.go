// Package profiles stores connection profiles, their watch monitors and key
// collections. Connection specs are sealed with internal/crypto before they
// reach the database.
package profiles

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/crypto"
	"github.com/tzfun/etcd-workbench/internal/database"
	"github.com/tzfun/etcd-workbench/internal/etcd"
	"github.com/tzfun/etcd-workbench/internal/watcher"
)

const maxNameLen = 128

// Summary describes a profile without its secrets.
type Summary struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Namespace string    `json:"namespace,omitempty"`
	User      string    `json:"user,omitempty"`
	Password  string    `json:"password,omitempty"`
	TLS       bool      `json:"tls"`
	SSH       string    `json:"ssh,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is backed by database.DB. It implements session.MonitorStore.
type Store struct{}

func NewStore() *Store { return &Store{} }

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.Argument("profile name is required")
	}
	if len(name) > maxNameLen {
		return apperr.Argument("profile name longer than %d bytes", maxNameLen)
	}
	return nil
}

func notFound(name string, err error) error {
	if database.IsNotFound(err) {
		return apperr.Wrap(apperr.ErrNotExist, fmt.Errorf("profile %q not found", name))
	}
	return err
}

// List returns all profiles ordered by name, passwords masked.
func (s *Store) List() ([]Summary, error) {
	rows, err := database.ListProfiles()
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		spec, err := open(row.SpecEnc)
		if err != nil {
			return nil, fmt.Errorf("open profile %q: %w", row.Name, err)
		}
		sum := Summary{
			Name:      row.Name,
			Host:      spec.Host,
			Port:      spec.Port,
			Namespace: spec.Namespace,
			User:      spec.User,
			Password:  crypto.Mask(spec.Password),
			TLS:       spec.TLS != nil,
			UpdatedAt: row.UpdatedAt,
		}
		if spec.SSH != nil {
			sum.SSH = fmt.Sprintf("%s@%s:%d", spec.SSH.User, spec.SSH.Host, spec.SSH.Port)
		}
		out = append(out, sum)
	}
	return out, nil
}

// Get returns the decrypted connection spec of a profile.
func (s *Store) Get(name string) (etcd.ConnectionSpec, error) {
	row, err := database.GetProfile(name)
	if err != nil {
		return etcd.ConnectionSpec{}, notFound(name, err)
	}
	return open(row.SpecEnc)
}

// Save creates or replaces a profile.
func (s *Store) Save(name string, spec etcd.ConnectionSpec) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	enc, err := crypto.Encrypt(raw)
	if err != nil {
		return fmt.Errorf("seal profile: %w", err)
	}
	if err := database.SaveProfile(&database.ConnectionProfile{Name: name, SpecEnc: enc}); err != nil {
		return fmt.Errorf("save profile %q: %w", name, err)
	}
	return nil
}

// Delete removes a profile with its monitors and collection.
func (s *Store) Delete(name string) error {
	if err := database.DeleteProfile(name); err != nil {
		return notFound(name, err)
	}
	return nil
}

func open(enc string) (etcd.ConnectionSpec, error) {
	var spec etcd.ConnectionSpec
	raw, err := crypto.Decrypt(enc)
	if err != nil {
		return spec, err
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return spec, fmt.Errorf("decode profile: %w", err)
	}
	return spec, nil
}

// Monitors implements session.MonitorStore.
func (s *Store) Monitors(profile string) ([]watcher.Config, error) {
	rows, err := database.ListMonitors(profile)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	out := make([]watcher.Config, len(rows))
	for i, m := range rows {
		out[i] = watcher.Config{
			Key:           m.Key,
			Prefix:        m.IsPrefix,
			MonitorCreate: m.MonitorCreate,
			MonitorModify: m.MonitorModify,
			MonitorRemove: m.MonitorRemove,
			Paused:        m.Paused,
		}
	}
	return out, nil
}

// SaveMonitor implements session.MonitorStore.
func (s *Store) SaveMonitor(profile string, cfg watcher.Config) error {
	return database.SaveMonitor(&database.KeyMonitor{
		ProfileName:   profile,
		Key:           cfg.Key,
		IsPrefix:      cfg.Prefix,
		MonitorCreate: cfg.MonitorCreate,
		MonitorModify: cfg.MonitorModify,
		MonitorRemove: cfg.MonitorRemove,
		Paused:        cfg.Paused,
	})
}

// RemoveMonitor implements session.MonitorStore.
func (s *Store) RemoveMonitor(profile, key string) error {
	return database.DeleteMonitor(profile, key)
}

// Collection returns the favourite keys of a profile.
func (s *Store) Collection(profile string) ([]string, error) {
	return database.GetCollection(profile)
}

// SetCollection replaces the favourite keys of a profile.
func (s *Store) SetCollection(profile string, keys []string) error {
	if _, err := database.GetProfile(profile); err != nil {
		return notFound(profile, err)
	}
	return database.SetCollection(profile, keys)
}
