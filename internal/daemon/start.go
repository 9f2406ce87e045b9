package daemon

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"cvdd/internal/launcher"
	"cvdd/internal/registry"
	"cvdd/pkg/protocol"
)

// handleStart runs one start/launch_cvd request end to end: plan,
// register, launch, wait, then either post-launch bookkeeping or
// rollback. The group is registered before the child starts and
// removed only on terminal child failure, so no surviving device
// runner ever lacks a registry entry.
func (s *Server) handleStart(req *protocol.Request, conn net.Conn) *protocol.Response {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if _, path, found := consumeArg(req.Args, "config_file"); found {
		loadReq := &protocol.Request{
			Command: "load",
			Args:    []string{"--config_file=" + path},
			Env:     req.Env,
			Cwd:     req.Cwd,
		}
		return s.handleLoad(loadReq)
	}

	if err := checkPreconditions(req); err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}

	env := make(map[string]string, len(req.Env))
	for k, v := range req.Env {
		env[k] = v
	}
	if given, ok := env[launcher.EnvHome]; ok {
		resolved, err := launcher.ResolveHome(given, req.Cwd)
		if err != nil {
			return &protocol.Response{Status: statusFromError(err)}
		}
		env[launcher.EnvHome] = resolved
	}

	artifactsPath := env[launcher.EnvAndroidHostOut]
	binName, err := s.introspector.ExecBaseName(artifactsPath, "start")
	if err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	if err := s.toolWatcher.Watch(artifactsPath); err != nil {
		s.logger.Printf("warning: watch toolkit %s: %v", artifactsPath, err)
	}

	if containsHelp(req.Args) {
		return s.runHelp(req, conn, artifactsPath, binName)
	}

	args, err := launcher.ConsumeDaemonFlag(req.Args)
	if err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	args = append(args, "--daemon=true")

	planner := &launcher.Planner{
		SystemHome: s.config.File.SystemHome,
		HomesDir:   s.config.File.HomesDir,
		Locks:      s.locks,
	}
	plan, err := planner.Plan(launcher.PlanInput{
		Args:         args,
		SelectorArgs: req.SelectorArgs,
		Env:          env,
	})
	if err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	defer plan.ReleaseLocks()

	group, err := s.registry.AddGroup(registry.GroupSpec{
		Name:              plan.GroupName,
		HomeDir:           plan.HomeDir,
		HostArtifactsPath: plan.HostArtifactsPath,
		ProductOutPath:    plan.ProductOutPath,
		DefaultGroup:      plan.DefaultGroup,
		Instances:         plan.InstanceList(),
	})
	if err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}

	rewriter := launcher.NewRewriter(s.introspector)
	childArgs, childEnv, err := rewriter.Rewrite(launcher.RewriteInput{
		Args:             plan.Args,
		Env:              plan.Env,
		Group:            group,
		LauncherBaseName: binName,
	})
	if err != nil {
		s.rollback(group)
		return &protocol.Response{Status: statusFromError(err)}
	}

	exit, err := s.launchAndWait(conn, group, binName, childArgs, childEnv)
	if err != nil {
		s.rollback(group)
		return &protocol.Response{Status: statusFromError(err)}
	}
	if !exit.Success() {
		s.logger.Printf("launcher for group %s %s, cleaning up", group.Name, exit)
		if stopErr := s.stopper.ForceStop(plan.FirstInstanceID()); stopErr != nil {
			s.rollback(group)
			return &protocol.Response{Status: protocol.Status{
				Code:    protocol.StatusInternal,
				Message: stopErr.Error(),
			}}
		}
		s.rollback(group)
		return &protocol.Response{Status: protocol.Status{
			Code:    protocol.StatusInternal,
			Message: fmt.Sprintf("launcher %s", exit),
		}}
	}

	s.postLaunch(conn, plan, group)

	info := &protocol.GroupInfo{
		GroupName:       group.Name,
		HomeDirectories: []string{group.HomeDir},
	}
	for _, instance := range group.Instances {
		info.Instances = append(info.Instances, protocol.InstanceInfo{
			Name:       instance.Name,
			InstanceID: instance.ID,
		})
	}
	return &protocol.Response{
		Status:    protocol.Status{Code: protocol.StatusOK},
		GroupInfo: info,
	}
}

// launchAndWait arms the signal bridge, starts the launcher child with
// its output streamed to the client, and waits for it. The bridge is
// disarmed on every path.
func (s *Server) launchAndWait(conn net.Conn, group registry.Group, binName string, args []string, env map[string]string) (launcher.ExitInfo, error) {
	bridge, err := launcher.Arm()
	if err != nil {
		return launcher.ExitInfo{}, fmt.Errorf("arm signal bridge: %w", err)
	}
	supervisor := &launcher.Supervisor{}

	// Interrupter worker: any byte on the pipe means a signal arrived.
	// Disarming closes the pipe, which ends the worker.
	var workerWg sync.WaitGroup
	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		buf := make([]byte, 1)
		for {
			n, err := bridge.ReadEnd().Read(buf)
			if n > 0 {
				s.logger.Printf("signal %d received, interrupting launcher", buf[0])
				supervisor.Interrupt()
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		bridge.Disarm()
		workerWg.Wait()
	}()

	binPath := filepath.Join(group.HostArtifactsPath, "bin", binName)
	var frameMu sync.Mutex
	cmd := exec.Command(binPath, args...)
	cmd.Dir = group.HomeDir
	cmd.Env = launcher.FlattenEnv(env)
	cmd.Stdout = &streamWriter{conn: conn, kind: protocol.StreamStdout, mu: &frameMu}
	cmd.Stderr = &streamWriter{conn: conn, kind: protocol.StreamStderr, mu: &frameMu}

	s.logger.Printf("launching: %s %v (home=%s)", binPath, args, group.HomeDir)
	if err := cmd.Start(); err != nil {
		return launcher.ExitInfo{}, fmt.Errorf("start launcher %s: %w", binPath, err)
	}
	if err := supervisor.Setup(cmd); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return launcher.ExitInfo{}, err
	}

	s.acloudCompat(group)

	return supervisor.Wait()
}

// postLaunch performs the best-effort bookkeeping of a successful
// start: default-group symlinks, lockfile marking, and the status
// stream. None of it can fail the request.
func (s *Server) postLaunch(conn net.Conn, plan *launcher.Plan, group registry.Group) {
	if plan.DefaultGroup {
		if err := s.reconcileSymlinks(group); err != nil {
			s.logger.Printf("warning: symlink reconciliation: %v", err)
		}
	}
	for _, instance := range plan.Instances {
		if instance.Lock == nil {
			continue
		}
		if err := instance.Lock.Status(registry.StateInUse); err != nil {
			s.logger.Printf("warning: mark instance %d in-use: %v", instance.ID, err)
		}
	}
	s.streamStatus(conn, group)
}

// rollback removes a group whose launch failed and frees its ids.
func (s *Server) rollback(group registry.Group) {
	if _, err := s.registry.RemoveGroup(group.Name); err != nil {
		s.logger.Printf("warning: rollback of group %s: %v", group.Name, err)
	}
	s.markGroupAvailable(group)
}

// runHelp launches the tool with --help and relays its output. No
// registry mutation happens on this path.
func (s *Server) runHelp(req *protocol.Request, conn net.Conn, artifactsPath, binName string) *protocol.Response {
	var frameMu sync.Mutex
	cmd := exec.Command(filepath.Join(artifactsPath, "bin", binName), "--help")
	cmd.Dir = req.Cwd
	cmd.Stdout = &streamWriter{conn: conn, kind: protocol.StreamStdout, mu: &frameMu}
	cmd.Stderr = &streamWriter{conn: conn, kind: protocol.StreamStderr, mu: &frameMu}
	if err := cmd.Run(); err != nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			return &protocol.Response{Status: statusFromError(err)}
		}
	}
	return &protocol.Response{Status: protocol.Status{Code: protocol.StatusOK}}
}

// checkPreconditions verifies the request's working directory and
// required environment before any side effect.
func checkPreconditions(req *protocol.Request) error {
	if req.Cwd != "" {
		stat, err := os.Stat(req.Cwd)
		if err != nil || !stat.IsDir() {
			return fmt.Errorf("working directory %q does not exist: %w", req.Cwd, errPrecondition)
		}
	}
	if req.Env[launcher.EnvAndroidHostOut] == "" {
		return fmt.Errorf("environment variable %s is required: %w", launcher.EnvAndroidHostOut, errPrecondition)
	}
	return nil
}

func containsHelp(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-help" {
			return true
		}
	}
	return false
}
