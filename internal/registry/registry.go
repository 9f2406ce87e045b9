package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// GroupSpec describes a group to be added to the registry.
type GroupSpec struct {
	Name              string
	HomeDir           string
	HostArtifactsPath string
	ProductOutPath    string
	DefaultGroup      bool
	Instances         []Instance
}

// Registry is the shared instance database. All mutations go through the
// store's exclusive lock; reads take a shared lock. External views are
// by-value snapshots.
type Registry struct {
	store  *Store
	logger *log.Logger
}

// Config holds configuration for creating a new Registry.
type Config struct {
	Store  *Store
	Logger *log.Logger
}

// NewRegistry creates a registry over the given persistent store.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[registry] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Registry{
		store:  cfg.Store,
		logger: cfg.Logger,
	}
}

// IsEmpty reports whether the registry holds no groups.
func (r *Registry) IsEmpty() (bool, error) {
	var empty bool
	err := r.store.WithSharedLock(func(data *Data) error {
		empty = len(data.Groups) == 0
		return nil
	})
	return empty, err
}

// AddGroup validates the spec and appends it to the registry. It fails
// with ErrConflict if the home directory or an instance id is already
// taken, and with ErrInvalid on validation failures. All validation runs
// before any registry mutation.
func (r *Registry) AddGroup(spec GroupSpec) (Group, error) {
	if !IsValidGroupName(spec.Name) {
		return Group{}, fmt.Errorf("group name %q is ill-formed: %w", spec.Name, ErrInvalid)
	}
	if !filepath.IsAbs(spec.HomeDir) {
		return Group{}, fmt.Errorf("home directory %q is not absolute: %w", spec.HomeDir, ErrInvalid)
	}
	if err := os.MkdirAll(spec.HomeDir, 0755); err != nil {
		return Group{}, fmt.Errorf("home directory %q neither exists nor can be created: %w", spec.HomeDir, err)
	}
	if err := checkHostArtifactsPath(spec.HostArtifactsPath); err != nil {
		return Group{}, err
	}
	if len(spec.Instances) == 0 {
		return Group{}, fmt.Errorf("group %q needs at least one instance: %w", spec.Name, ErrInvalid)
	}
	seen := make(map[uint32]bool, len(spec.Instances))
	for _, instance := range spec.Instances {
		if !IsValidInstanceName(instance.Name) {
			return Group{}, fmt.Errorf("instance name %q is invalid: %w", instance.Name, ErrInvalid)
		}
		if seen[instance.ID] {
			return Group{}, fmt.Errorf("instance id %d used twice in group %q: %w", instance.ID, spec.Name, ErrConflict)
		}
		seen[instance.ID] = true
	}

	group := Group{
		Name:              spec.Name,
		HomeDir:           spec.HomeDir,
		HostArtifactsPath: spec.HostArtifactsPath,
		ProductOutPath:    spec.ProductOutPath,
		DefaultGroup:      spec.DefaultGroup,
		Instances:         append([]Instance(nil), spec.Instances...),
	}

	err := r.store.WithExclusiveLock(func(data *Data) error {
		return appendGroup(data, group)
	})
	if err != nil {
		return Group{}, err
	}
	r.logger.Printf("added group %s (home=%s, %d instances)", group.Name, group.HomeDir, len(group.Instances))
	return copyGroup(group), nil
}

// appendGroup performs the under-lock uniqueness checks and appends.
// The home directory is exclusive to one group, which subsumes the
// (name, home) pair uniqueness; instance ids are unique registry-wide.
func appendGroup(data *Data, group Group) error {
	if taken := findGroups(data, Filter{Home: group.HomeDir}); len(taken) > 0 {
		return fmt.Errorf("home directory %q is already taken by group %q: %w",
			group.HomeDir, taken[0].Name, ErrConflict)
	}
	for _, instance := range group.Instances {
		id := instance.ID
		if taken := findInstances(data, Filter{ID: &id}); len(taken) > 0 {
			return fmt.Errorf("instance id %d is already taken by group %q: %w",
				id, taken[0].Group.Name, ErrConflict)
		}
	}
	data.Groups = append(data.Groups, group)
	return nil
}

// RemoveGroup removes the first group with the given name and reports
// whether one was removed.
func (r *Registry) RemoveGroup(name string) (bool, error) {
	removed := false
	err := r.store.WithExclusiveLock(func(data *Data) error {
		for i, group := range data.Groups {
			if group.Name == name {
				data.Groups = append(data.Groups[:i], data.Groups[i+1:]...)
				removed = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		r.logger.Printf("removed group %s", name)
	}
	return removed, nil
}

// Clear returns all groups and empties the registry.
func (r *Registry) Clear() ([]Group, error) {
	var cleared []Group
	err := r.store.WithExclusiveLock(func(data *Data) error {
		for _, group := range data.Groups {
			cleared = append(cleared, copyGroup(group))
		}
		data.Groups = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Printf("cleared registry: %d groups", len(cleared))
	return cleared, nil
}

// ListGroups returns a snapshot of all groups.
func (r *Registry) ListGroups() ([]Group, error) {
	var groups []Group
	err := r.store.WithSharedLock(func(data *Data) error {
		groups = findGroups(data, Filter{})
		return nil
	})
	return groups, err
}

// FindGroups returns the groups matching the filter.
func (r *Registry) FindGroups(filter Filter) ([]Group, error) {
	var groups []Group
	err := r.store.WithSharedLock(func(data *Data) error {
		groups = findGroups(data, filter)
		return nil
	})
	return groups, err
}

// FindInstances returns the instances matching the filter, each with its
// group context.
func (r *Registry) FindInstances(filter Filter) ([]FoundInstance, error) {
	var instances []FoundInstance
	err := r.store.WithSharedLock(func(data *Data) error {
		instances = findInstances(data, filter)
		return nil
	})
	return instances, err
}

// jsonImport is the external serialized form accepted by LoadFromJSON:
// an array of groups under the literal key "Groups".
type jsonImport struct {
	Groups *[]Group `json:"Groups"`
}

// LoadFromJSON appends groups parsed from an external JSON blob. Existing
// groups are kept; conflicts with them fail as in AddGroup, and nothing
// is appended in that case.
func (r *Registry) LoadFromJSON(blob []byte) error {
	var parsed jsonImport
	if err := json.Unmarshal(blob, &parsed); err != nil {
		return fmt.Errorf("parse groups JSON: %v: %w", err, ErrInvalid)
	}
	if parsed.Groups == nil {
		return fmt.Errorf("groups JSON lacks a %q array: %w", "Groups", ErrInvalid)
	}
	newGroups := *parsed.Groups
	for i := range newGroups {
		if err := newGroups[i].Validate(); err != nil {
			return err
		}
	}
	err := r.store.WithExclusiveLock(func(data *Data) error {
		for _, group := range newGroups {
			if err := appendGroup(data, group); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Printf("imported %d groups from JSON", len(newGroups))
	return nil
}

// SetAcloudOptout records the acloud-translator optout flag.
func (r *Registry) SetAcloudOptout(optout bool) error {
	return r.store.WithExclusiveLock(func(data *Data) error {
		data.AcloudTranslatorOptout = optout
		return nil
	})
}

// GetAcloudOptout reads the acloud-translator optout flag.
func (r *Registry) GetAcloudOptout() (bool, error) {
	var optout bool
	err := r.store.WithSharedLock(func(data *Data) error {
		optout = data.AcloudTranslatorOptout
		return nil
	})
	return optout, err
}

// checkHostArtifactsPath verifies the path looks like a launcher toolkit:
// an existing directory with a bin/ subdirectory.
func checkHostArtifactsPath(path string) error {
	stat, err := os.Stat(filepath.Join(path, "bin"))
	if err != nil || !stat.IsDir() {
		return fmt.Errorf("host artifacts path %q is not a tool directory: %w", path, ErrInvalid)
	}
	return nil
}
