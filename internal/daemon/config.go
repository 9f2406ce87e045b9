package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"cvdd/pkg/protocol"
)

// FileConfig is the daemon's on-disk YAML configuration.
type FileConfig struct {
	SocketPath   string `yaml:"socket_path,omitempty"`
	RegistryPath string `yaml:"registry_path,omitempty"`
	LockfilesDir string `yaml:"lockfiles_dir,omitempty"`
	HomesDir     string `yaml:"homes_dir,omitempty"`
	SystemHome   string `yaml:"system_home,omitempty"`
	AcloudTmpDir string `yaml:"acloud_tmp_dir,omitempty"`
	AuditLogPath string `yaml:"audit_log_path,omitempty"`
}

// DefaultFileConfig returns the configuration used when no file is
// given. The socket is protocol.DefaultSocketPath; the other paths hang
// off the invoking user's home and the system tmp directory.
func DefaultFileConfig() FileConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	base := filepath.Join(home, ".cvdd")
	return FileConfig{
		SocketPath:   protocol.DefaultSocketPath,
		RegistryPath: filepath.Join(base, "registry.bin"),
		LockfilesDir: filepath.Join(base, "lockfiles"),
		HomesDir:     filepath.Join(base, "homes"),
		SystemHome:   home,
		AcloudTmpDir: filepath.Join(os.TempDir(), "acloud_cvd_temp"),
		AuditLogPath: filepath.Join(base, "audit.log"),
	}
}

// LoadFileConfig reads a YAML config file, filling unset fields from
// the defaults.
func LoadFileConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultFileConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
