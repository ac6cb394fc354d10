package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath   string `envconfig:"DATA_PATH" default:""`
	LogPath    string `envconfig:"LOG_PATH" default:""`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8002"`
	APIToken   string `envconfig:"API_TOKEN" default:""`

	// Connection settings
	ConnectTimeout       time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`
	RequestTimeout       time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	SSHConnectTimeout    time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"10s"`
	SSHKeepaliveInterval time.Duration `envconfig:"SSH_KEEPALIVE_INTERVAL" default:"10s"`
	SSHMaxAttemptsPerMin int           `envconfig:"SSH_MAX_ATTEMPTS_PER_MINUTE" default:"10"`
	SSHMaxAuthFailures   int           `envconfig:"SSH_MAX_AUTH_FAILURES" default:"5"`
	SSHBlockDuration     time.Duration `envconfig:"SSH_BLOCK_DURATION" default:"5m"`

	// Watch settings
	WatchRetryInterval time.Duration `envconfig:"WATCH_RETRY_INTERVAL" default:"3s"`
	WatchRetryLimit    int           `envconfig:"WATCH_RETRY_LIMIT" default:"10"`
	NotifyDebounce     time.Duration `envconfig:"NOTIFY_DEBOUNCE" default:"3s"`

	// Session health probes
	HealthCheckSchedule    string `envconfig:"HEALTH_CHECK_SCHEDULE" default:"@every 30s"`
	HealthFailureThreshold int    `envconfig:"HEALTH_FAILURE_THRESHOLD" default:"3"`

	// Safety caps
	RenameDirLimit int64 `envconfig:"RENAME_DIR_LIMIT" default:"5000"`
	SearchLimit    int64 `envconfig:"SEARCH_LIMIT" default:"5000"`

	SnapshotDir string `envconfig:"SNAPSHOT_DIR" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("ETCD_WORKBENCH", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg.resolvePaths()
}

// resolvePaths fills in the path settings that depend on the user's home.
func (s *Settings) resolvePaths() {
	if s.DataPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = os.TempDir()
		}
		s.DataPath = filepath.Join(dir, "etcd-workbench")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "etcd-workbench.log")
	}
	if s.SnapshotDir == "" {
		s.SnapshotDir = filepath.Join(s.DataPath, "snapshots")
	}
}

// DatabasePath is the sqlite file holding profiles and settings.
func (s Settings) DatabasePath() string {
	return filepath.Join(s.DataPath, "workbench.db")
}
