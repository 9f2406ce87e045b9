package launcher

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"cvdd/internal/hosttool"
	"cvdd/internal/registry"
)

// Launcher flag names consumed and re-emitted by the rewriter.
const (
	flagInstanceNums    = "instance_nums"
	flagNumInstances    = "num_instances"
	flagBaseInstanceNum = "base_instance_num"
	flagGroupID         = "group_id"
)

// RewriteInput is what the rewriter needs to canonicalize one launch.
type RewriteInput struct {
	Args             []string
	Env              map[string]string
	Group            registry.Group
	LauncherBaseName string
}

// Rewriter canonicalizes client-supplied launcher arguments and
// environment so the child sees exactly the instance identities the
// planner allocated, spelled in whichever flags the on-disk launcher
// accepts.
type Rewriter struct {
	introspector *hosttool.Introspector
}

// NewRewriter creates a rewriter backed by the given introspector.
func NewRewriter(introspector *hosttool.Introspector) *Rewriter {
	return &Rewriter{introspector: introspector}
}

// Rewrite returns new args and env for the child. Client-supplied
// instance-identity flags are discarded and replaced from the group's
// instance list; the environment is rewritten to point the child at the
// group home and toolkit.
func (r *Rewriter) Rewrite(in RewriteInput) ([]string, map[string]string, error) {
	args := in.Args
	for _, name := range []string{flagInstanceNums, flagNumInstances, flagBaseInstanceNum, flagGroupID} {
		args, _, _ = consumeFlag(args, name)
	}

	ids := make([]uint32, 0, len(in.Group.Instances))
	for _, instance := range in.Group.Instances {
		ids = append(ids, instance.ID)
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("group %q has no instances to launch: %w", in.Group.Name, registry.ErrInvalid)
	}

	env := copyEnv(in.Env)
	min := ids[0]
	if consecutiveRun(ids) {
		if len(ids) > 1 {
			if err := r.requireFlag(in, flagNumInstances); err != nil {
				return nil, nil, err
			}
			args = append(args, fmt.Sprintf("--%s=%d", flagNumInstances, len(ids)))
		}
		if ok, err := r.introspector.HasFlag(in.Group.HostArtifactsPath, "start", flagBaseInstanceNum); err != nil {
			return nil, nil, err
		} else if ok {
			args = append(args, fmt.Sprintf("--%s=%d", flagBaseInstanceNum, min))
		}
		env[EnvCuttlefishInstance] = strconv.FormatUint(uint64(min), 10)
	} else {
		if err := r.requireFlag(in, flagInstanceNums); err != nil {
			return nil, nil, err
		}
		joined := make([]string, len(ids))
		for i, id := range ids {
			joined[i] = strconv.FormatUint(uint64(id), 10)
		}
		args = append(args, fmt.Sprintf("--%s=%s", flagInstanceNums, strings.Join(joined, ",")))
	}

	if ok, err := r.introspector.HasFlag(in.Group.HostArtifactsPath, "start", flagGroupID); err != nil {
		return nil, nil, err
	} else if ok {
		args = append(args, fmt.Sprintf("--%s=%s", flagGroupID, in.Group.Name))
	}

	env[EnvHome] = in.Group.HomeDir
	env[EnvAndroidHostOut] = in.Group.HostArtifactsPath
	// Older launchers read the soong variable instead.
	env[EnvAndroidSoongHostOut] = in.Group.HostArtifactsPath
	env[EnvAndroidProductOut] = in.Group.ProductOutPath
	env[EnvCvdMark] = "true"
	return args, env, nil
}

func (r *Rewriter) requireFlag(in RewriteInput, name string) error {
	ok, err := r.introspector.HasFlag(in.Group.HostArtifactsPath, "start", name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("launcher %s does not accept --%s: %w", in.LauncherBaseName, name, registry.ErrInvalid)
	}
	return nil
}

// consecutiveRun reports whether ids form a strictly increasing run
// with no gaps.
func consecutiveRun(ids []uint32) bool {
	if !sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }) {
		return false
	}
	return ids[len(ids)-1]-ids[0] == uint32(len(ids)-1)
}
