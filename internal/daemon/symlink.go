package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"cvdd/internal/launcher"
	"cvdd/internal/registry"
)

// reconcileSymlinks maintains the legacy runtime symlinks under the
// system-wide user home for the default group. Tooling that predates
// group support finds its files through these.
func (s *Server) reconcileSymlinks(group registry.Group) error {
	home := s.config.File.SystemHome
	cuttlefishDir := filepath.Join(group.HomeDir, "cuttlefish")

	smallest := group.Instances[0].ID
	for _, instance := range group.Instances {
		if instance.ID < smallest {
			smallest = instance.ID
		}
		link := filepath.Join(home, fmt.Sprintf("cuttlefish_runtime.%d", instance.ID))
		target := filepath.Join(cuttlefishDir, "instances", fmt.Sprintf("cvd-%d", instance.ID))
		if err := replaceSymlink(link, target); err != nil {
			return err
		}
	}

	if err := replaceSymlink(filepath.Join(home, "cuttlefish"), cuttlefishDir); err != nil {
		return err
	}
	if err := replaceSymlink(
		filepath.Join(home, ".cuttlefish_config.json"),
		filepath.Join(cuttlefishDir, "assembly", "cuttlefish_config.json"),
	); err != nil {
		return err
	}
	return replaceSymlink(
		filepath.Join(home, "cuttlefish_runtime"),
		filepath.Join(home, fmt.Sprintf("cuttlefish_runtime.%d", smallest)),
	)
}

// replaceSymlink removes whatever sits at link and creates a symlink
// to target. Directories are removed recursively; probing never
// follows an existing symlink.
func replaceSymlink(link, target string) error {
	stat, err := os.Lstat(link)
	switch {
	case err == nil && stat.IsDir():
		if err := os.RemoveAll(link); err != nil {
			return fmt.Errorf("remove directory at %s: %w", link, err)
		}
	case err == nil:
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("remove %s: %w", link, err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("probe %s: %w", link, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", link, target, err)
	}
	return nil
}

// acloudCompat maintains per-id directories acloud expects under the
// system tmp directory. Everything here is best effort.
func (s *Server) acloudCompat(group registry.Group) {
	launchedByAcloud := false
	// The env the daemon itself was started with decides compat mode.
	if v, ok := os.LookupEnv(launcher.EnvLaunchedByAcloud); ok && v == "true" {
		launchedByAcloud = true
	}
	for _, instance := range group.Instances {
		entry := filepath.Join(s.config.File.AcloudTmpDir,
			"local-instance-"+strconv.FormatUint(uint64(instance.ID), 10))
		if !launchedByAcloud {
			stat, err := os.Lstat(entry)
			if err == nil {
				if stat.IsDir() {
					if err := os.RemoveAll(entry); err != nil {
						s.logger.Printf("warning: remove acloud dir %s: %v", entry, err)
						continue
					}
				} else if err := os.Remove(entry); err != nil {
					s.logger.Printf("warning: remove acloud entry %s: %v", entry, err)
					continue
				}
			}
		}
		if entry == group.HomeDir {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(entry), 0755); err != nil {
			s.logger.Printf("warning: create acloud tmp dir: %v", err)
			continue
		}
		if err := os.Symlink(group.HomeDir, entry); err != nil && !os.IsExist(err) {
			s.logger.Printf("warning: acloud symlink %s: %v", entry, err)
		}
	}
}
