package launcher

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"cvdd/internal/registry"
)

// Selector flag names accepted from clients.
const (
	selectorGroupName     = "group_name"
	selectorInstanceName  = "instance_name"
	selectorInstanceNames = "instance_names"
)

// DefaultGroupName is used when the client names no group.
const DefaultGroupName = "cvd"

// PlannedInstance pairs an instance identity with the lockfile that
// reserves its id. The lock is held until the orchestrator finishes.
type PlannedInstance struct {
	registry.Instance
	Lock *registry.InstanceLock
}

// Plan is a fully resolved group-creation decision: every identity,
// path, and rewritten arg the orchestrator needs to register and launch
// the group.
type Plan struct {
	GroupName         string
	HomeDir           string
	HostArtifactsPath string
	ProductOutPath    string
	Instances         []PlannedInstance
	DefaultGroup      bool
	Args              []string
	Env               map[string]string
}

// ReleaseLocks drops every instance lock the plan holds. Safe on a
// partially built plan.
func (p *Plan) ReleaseLocks() {
	for _, instance := range p.Instances {
		if instance.Lock != nil {
			instance.Lock.Release()
		}
	}
}

// InstanceList strips the locks, yielding what the registry stores.
func (p *Plan) InstanceList() []registry.Instance {
	out := make([]registry.Instance, len(p.Instances))
	for i, instance := range p.Instances {
		out[i] = instance.Instance
	}
	return out
}

// FirstInstanceID returns the smallest planned instance id.
func (p *Plan) FirstInstanceID() uint32 {
	min := p.Instances[0].ID
	for _, instance := range p.Instances[1:] {
		if instance.ID < min {
			min = instance.ID
		}
	}
	return min
}

// Planner turns a start request (args, env, selectors) into a Plan.
// It is deterministic in its inputs apart from lockfile availability.
type Planner struct {
	// SystemHome is the daemon-wide $HOME; default groups live there.
	SystemHome string
	// HomesDir hosts per-group home directories for named groups.
	HomesDir string
	Locks    *registry.LockFileManager
}

// PlanInput carries one start request into the planner. Args are the
// launcher args after daemon-flag normalization; SelectorArgs are the
// client's --group_name/--instance_name hints.
type PlanInput struct {
	Args         []string
	SelectorArgs []string
	Env          map[string]string
}

// Plan resolves group name, home, paths, and instance identities. On
// success the returned plan holds one acquired lockfile per instance;
// the caller owns their release.
func (p *Planner) Plan(in PlanInput) (*Plan, error) {
	groupName, instanceNames, err := parseSelectors(in.SelectorArgs)
	if err != nil {
		return nil, err
	}

	artifactsPath, ok := in.Env[EnvAndroidHostOut]
	if !ok || artifactsPath == "" {
		return nil, fmt.Errorf("environment lacks %s: %w", EnvAndroidHostOut, registry.ErrInvalid)
	}
	productOut := in.Env[EnvAndroidProductOut]
	if productOut == "" {
		productOut = artifactsPath
	}

	_, hasClientHome := in.Env[EnvHome]
	defaultGroup := !hasClientHome && groupName == "" && len(instanceNames) == 0
	if groupName == "" {
		groupName = DefaultGroupName
	}

	homeDir := in.Env[EnvHome]
	if homeDir == "" {
		if defaultGroup {
			homeDir = p.SystemHome
		} else {
			homeDir = filepath.Join(p.HomesDir, groupName)
		}
	}

	args, requestedIDs, err := consumeRequestedIDs(in.Args)
	if err != nil {
		return nil, err
	}

	count := len(instanceNames)
	if count == 0 {
		count = 1
	}
	if len(requestedIDs) > 0 && len(instanceNames) > 0 && len(requestedIDs) != len(instanceNames) {
		return nil, fmt.Errorf("%d instance names for %d requested ids: %w",
			len(instanceNames), len(requestedIDs), registry.ErrInvalid)
	}
	if len(requestedIDs) > 0 {
		count = len(requestedIDs)
	}

	locks, err := p.acquireLocks(requestedIDs, count)
	if err != nil {
		return nil, err
	}

	instances := make([]PlannedInstance, len(locks))
	for i, lock := range locks {
		name := strconv.FormatUint(uint64(lock.InstanceID()), 10)
		if i < len(instanceNames) {
			name = instanceNames[i]
		}
		instances[i] = PlannedInstance{
			Instance: registry.Instance{ID: lock.InstanceID(), Name: name},
			Lock:     lock,
		}
	}

	return &Plan{
		GroupName:         groupName,
		HomeDir:           homeDir,
		HostArtifactsPath: artifactsPath,
		ProductOutPath:    productOut,
		Instances:         instances,
		DefaultGroup:      defaultGroup,
		Args:              args,
		Env:               copyEnv(in.Env),
	}, nil
}

// acquireLocks reserves either the exact requested ids or count unused
// ones. Requested ids that are flocked elsewhere or persisted in-use
// fail with ErrConflict.
func (p *Planner) acquireLocks(requested []uint32, count int) ([]*registry.InstanceLock, error) {
	if len(requested) == 0 {
		return p.Locks.AcquireUnused(count)
	}
	var locks []*registry.InstanceLock
	for _, id := range requested {
		lock, err := p.Locks.TryAcquire(id)
		if err != nil {
			releaseLocks(locks)
			return nil, err
		}
		if lock == nil {
			releaseLocks(locks)
			return nil, fmt.Errorf("instance id %d is already in use: %w", id, registry.ErrConflict)
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func releaseLocks(locks []*registry.InstanceLock) {
	for _, lock := range locks {
		lock.Release()
	}
}

// consumeRequestedIDs pulls --instance_nums out of args so the planner
// can reserve exactly those ids. The rewriter re-emits identity flags
// later from the plan.
func consumeRequestedIDs(args []string) ([]string, []uint32, error) {
	args, value, found := consumeFlag(args, flagInstanceNums)
	if !found || value == "" {
		return args, nil, nil
	}
	parts := strings.Split(value, ",")
	ids := make([]uint32, 0, len(parts))
	seen := make(map[uint32]bool, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil || id == 0 {
			return nil, nil, fmt.Errorf("invalid instance number %q: %w", part, registry.ErrInvalid)
		}
		if seen[uint32(id)] {
			return nil, nil, fmt.Errorf("instance number %d requested twice: %w", id, registry.ErrConflict)
		}
		seen[uint32(id)] = true
		ids = append(ids, uint32(id))
	}
	return args, ids, nil
}

// parseSelectors interprets the client's selector args. Recognized:
// --group_name=<name>, --instance_name=<name>, --instance_names=<csv>.
func parseSelectors(selectors []string) (string, []string, error) {
	var groupName string
	var instanceNames []string
	rest, value, found := consumeFlag(selectors, selectorGroupName)
	if found {
		if !registry.IsValidGroupName(value) {
			return "", nil, fmt.Errorf("group name %q is ill-formed: %w", value, registry.ErrInvalid)
		}
		groupName = value
	}
	for _, name := range []string{selectorInstanceName, selectorInstanceNames} {
		var v string
		rest, v, found = consumeFlag(rest, name)
		if !found {
			continue
		}
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if !registry.IsValidInstanceName(part) {
				return "", nil, fmt.Errorf("instance name %q is invalid: %w", part, registry.ErrInvalid)
			}
			instanceNames = append(instanceNames, part)
		}
	}
	for _, leftover := range rest {
		return "", nil, fmt.Errorf("unrecognized selector %q: %w", leftover, registry.ErrInvalid)
	}
	return groupName, instanceNames, nil
}
