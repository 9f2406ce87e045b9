// Package registry maintains the persistent database of virtual-device
// instance groups. All knowledge about which groups exist, which instance
// ids are taken, and which home directories are in use lives here, backed
// by a single file shared by every request handler under file locking.
package registry

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// Instance is one virtual device within a group. Instances are plain
// values; copies handed out by the registry never alias its state.
type Instance struct {
	ID   uint32 `cbor:"id" json:"instance_id"`
	Name string `cbor:"name" json:"name"`
}

// InternalName is the decimal instance id, used in device names derived
// from the internal group name.
func (i Instance) InternalName() string {
	return strconv.FormatUint(uint64(i.ID), 10)
}

// Group is one virtual-device group: a set of instances sharing a home
// directory and a host-artifacts toolkit.
type Group struct {
	Name              string     `cbor:"name" json:"group_name"`
	HomeDir           string     `cbor:"home_directory" json:"home_directory"`
	HostArtifactsPath string     `cbor:"host_artifacts_path" json:"host_artifacts_path"`
	ProductOutPath    string     `cbor:"product_out_path" json:"product_out_path"`
	DefaultGroup      bool       `cbor:"default_group" json:"default_group"`
	Instances         []Instance `cbor:"instances" json:"instances"`
}

// DeviceName forms the full device name for an instance of this group.
// If the group is "cvd" and the instance is "foo", the device is "cvd-foo".
func (g *Group) DeviceName(i Instance) string {
	return g.Name + "-" + i.Name
}

// InstanceDir returns the runtime directory of an instance under this
// group's home.
func (g *Group) InstanceDir(i Instance) string {
	return filepath.Join(g.HomeDir, "cuttlefish", "instances", "cvd-"+i.InternalName())
}

// FindByID returns the instances of the group with the given id.
func (g *Group) FindByID(id uint32) []Instance {
	var ret []Instance
	for _, instance := range g.Instances {
		if instance.ID == id {
			ret = append(ret, instance)
		}
	}
	return ret
}

// FindByInstanceName returns the instances of the group with the given
// per-instance name.
func (g *Group) FindByInstanceName(name string) []Instance {
	var ret []Instance
	for _, instance := range g.Instances {
		if instance.Name == name {
			ret = append(ret, instance)
		}
	}
	return ret
}

// copyGroup deep-copies a group so callers outside the lock scope can't
// alias registry state.
func copyGroup(g Group) Group {
	instances := make([]Instance, len(g.Instances))
	copy(instances, g.Instances)
	g.Instances = instances
	return g
}

// Data is the full persisted registry state.
type Data struct {
	Groups                 []Group `cbor:"groups"`
	AcloudTranslatorOptout bool    `cbor:"acloud_translator_optout"`
}

var (
	groupNamePattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	instanceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// IsValidGroupName reports whether name is a well-formed group name.
func IsValidGroupName(name string) bool {
	return groupNamePattern.MatchString(name)
}

// IsValidInstanceName reports whether name is a well-formed per-instance
// name. Purely numeric names are allowed ("cvd-4" style devices).
func IsValidInstanceName(name string) bool {
	return instanceNamePattern.MatchString(name)
}

// Validate re-checks a group's well-formedness, as done on every load of
// the backing file. A group that fails here indicates registry corruption.
func (g *Group) Validate() error {
	if !IsValidGroupName(g.Name) {
		return fmt.Errorf("group name %q is ill-formed: %w", g.Name, ErrInvalid)
	}
	if !filepath.IsAbs(g.HomeDir) {
		return fmt.Errorf("home directory %q is not absolute: %w", g.HomeDir, ErrInvalid)
	}
	if len(g.Instances) == 0 {
		return fmt.Errorf("group %q has no instances: %w", g.Name, ErrInvalid)
	}
	for _, instance := range g.Instances {
		if !IsValidInstanceName(instance.Name) {
			return fmt.Errorf("instance name %q is invalid: %w", instance.Name, ErrInvalid)
		}
	}
	return nil
}
