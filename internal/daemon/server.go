// Package daemon implements the cvdd control-plane server. It listens
// on a Unix Domain Socket, dispatches client commands, and owns the
// instance registry, the lockfile manager, and the start orchestrator.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cvdd/internal/hosttool"
	"cvdd/internal/launcher"
	"cvdd/internal/registry"
	"cvdd/pkg/protocol"
)

// Config holds the configuration for the cvdd server.
type Config struct {
	File   FileConfig
	Logger *log.Logger
}

// Server is the cvdd daemon.
type Server struct {
	config   Config
	listener net.Listener
	logger   *log.Logger

	registry     *registry.Registry
	locks        *registry.LockFileManager
	introspector *hosttool.Introspector
	stopper      *launcher.Stopper
	audit        *AuditLogger
	toolWatcher  *hosttool.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// startMu serializes start requests: the signal bridge is
	// process-global and the planner's id scan must not race itself.
	startMu sync.Mutex
}

// NewServer creates a new cvdd server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[cvdd] ", log.LstdFlags|log.Lmsgprefix)
	}

	store, err := registry.NewStore(cfg.File.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("open registry store: %w", err)
	}

	locks, err := registry.NewLockFileManager(cfg.File.LockfilesDir, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("create lockfile manager: %w", err)
	}

	audit, err := NewAuditLogger(cfg.File.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}

	introspector := hosttool.NewIntrospector(cfg.Logger)
	toolWatcher, err := hosttool.NewWatcher(introspector, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("create toolkit watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		config:       cfg,
		logger:       cfg.Logger,
		registry:     registry.NewRegistry(registry.Config{Store: store, Logger: cfg.Logger}),
		locks:        locks,
		introspector: introspector,
		stopper:      launcher.NewStopper(cfg.Logger),
		audit:        audit,
		toolWatcher:  toolWatcher,
		ctx:          ctx,
		cancel:       cancel,
	}
	return srv, nil
}

// ListenAndServe starts the Unix socket listener and accepts connections.
func (s *Server) ListenAndServe() error {
	// Remove existing socket file if it exists
	os.Remove(s.config.File.SocketPath)

	if err := os.MkdirAll(filepath.Dir(s.config.File.SocketPath), 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	var err error
	s.listener, err = net.Listen("unix", s.config.File.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.File.SocketPath, err)
	}
	defer s.listener.Close()

	// Make the socket accessible
	if err := os.Chmod(s.config.File.SocketPath, 0666); err != nil {
		s.logger.Printf("warning: could not chmod socket: %v", err)
	}

	s.toolWatcher.Start(s.ctx)

	s.logger.Printf("listening on %s", s.config.File.SocketPath)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil // Clean shutdown
			default:
				s.logger.Printf("accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.toolWatcher.Stop()
	if err := s.audit.Close(); err != nil {
		s.logger.Printf("warning: close audit log: %v", err)
	}
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		s.logger.Printf("read request error: %v", err)
		return
	}

	s.logger.Printf("request: %s %v (cwd=%s)", req.Command, req.Args, req.Cwd)

	entry := AuditEntry{
		Command:      req.Command,
		Args:         req.Args,
		SelectorArgs: req.SelectorArgs,
		Cwd:          req.Cwd,
	}
	if peer, err := readPeerCreds(conn); err == nil {
		entry.PeerPID = peer.PID
		entry.PeerUID = peer.UID
	}

	began := time.Now()
	resp := s.dispatch(req, conn)
	entry.DurationMs = float64(time.Since(began)) / float64(time.Millisecond)
	entry.Status = resp.Status.Code.String()
	entry.Message = resp.Status.Message
	if err := s.audit.Log(entry); err != nil {
		s.logger.Printf("warning: audit log: %v", err)
	}

	if err := protocol.WriteResponse(conn, resp); err != nil {
		s.logger.Printf("write response error: %v", err)
	}
}

// dispatch routes one request to its handler. Handlers stream
// stdout/stderr frames over conn and return the final response.
func (s *Server) dispatch(req *protocol.Request, conn net.Conn) *protocol.Response {
	switch req.Command {
	case "start", "launch_cvd":
		return s.handleStart(req, conn)
	case "fleet":
		return s.handleFleet(req, conn)
	case "remove":
		return s.handleRemove(req)
	case "clear":
		return s.handleClear(req)
	case "load":
		return s.handleLoad(req)
	case "acloud-optout":
		return s.handleAcloudOptout(true)
	case "acloud-optin":
		return s.handleAcloudOptout(false)
	default:
		return &protocol.Response{Status: protocol.Status{
			Code:    protocol.StatusInvalidArgument,
			Message: fmt.Sprintf("unknown command %q", req.Command),
		}}
	}
}

// handleFleet streams all groups as JSON, optionally filtered by the
// client's selector queries.
func (s *Server) handleFleet(req *protocol.Request, conn net.Conn) *protocol.Response {
	filter, err := filterFromSelectors(req.SelectorArgs)
	if err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	groups, err := s.registry.FindGroups(filter)
	if err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	blob, err := json.MarshalIndent(map[string][]registry.Group{"groups": groups}, "", "  ")
	if err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	protocol.WriteFrame(conn, protocol.Frame{Type: protocol.StreamStdout, Payload: append(blob, '\n')})
	return &protocol.Response{Status: protocol.Status{Code: protocol.StatusOK}}
}

// handleRemove removes the named group and marks its instance ids
// available again.
func (s *Server) handleRemove(req *protocol.Request) *protocol.Response {
	filter, err := filterFromSelectors(req.SelectorArgs)
	if err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	if filter.GroupName == "" {
		return &protocol.Response{Status: protocol.Status{
			Code:    protocol.StatusInvalidArgument,
			Message: "remove requires --group_name",
		}}
	}
	groups, err := s.registry.FindGroups(registry.Filter{GroupName: filter.GroupName})
	if err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	removed, err := s.registry.RemoveGroup(filter.GroupName)
	if err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	if !removed {
		return &protocol.Response{Status: protocol.Status{
			Code:    protocol.StatusInvalidArgument,
			Message: fmt.Sprintf("no group named %q", filter.GroupName),
		}}
	}
	for _, group := range groups {
		s.markGroupAvailable(group)
	}
	return &protocol.Response{Status: protocol.Status{Code: protocol.StatusOK}}
}

// handleClear empties the registry and releases every cleared group's
// instance ids.
func (s *Server) handleClear(req *protocol.Request) *protocol.Response {
	cleared, err := s.registry.Clear()
	if err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	for _, group := range cleared {
		s.markGroupAvailable(group)
	}
	return &protocol.Response{Status: protocol.Status{Code: protocol.StatusOK}}
}

// handleLoad imports groups from a JSON file named by --config_file.
func (s *Server) handleLoad(req *protocol.Request) *protocol.Response {
	args, path, found := consumeArg(req.Args, "config_file")
	if !found || path == "" {
		return &protocol.Response{Status: protocol.Status{
			Code:    protocol.StatusInvalidArgument,
			Message: "load requires --config_file=<path>",
		}}
	}
	for _, leftover := range args {
		return &protocol.Response{Status: protocol.Status{
			Code:    protocol.StatusInvalidArgument,
			Message: fmt.Sprintf("unrecognized load argument %q", leftover),
		}}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(req.Cwd, path)
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return &protocol.Response{Status: protocol.Status{
			Code:    protocol.StatusInvalidArgument,
			Message: fmt.Sprintf("read config file: %v", err),
		}}
	}
	if err := s.registry.LoadFromJSON(blob); err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	return &protocol.Response{Status: protocol.Status{Code: protocol.StatusOK}}
}

// handleAcloudOptout flips the acloud-translator optout flag.
func (s *Server) handleAcloudOptout(optout bool) *protocol.Response {
	if err := s.registry.SetAcloudOptout(optout); err != nil {
		return &protocol.Response{Status: statusFromError(err)}
	}
	return &protocol.Response{Status: protocol.Status{Code: protocol.StatusOK}}
}

// markGroupAvailable rewrites each instance lockfile of a removed
// group. Failures are logged and swallowed.
func (s *Server) markGroupAvailable(group registry.Group) {
	for _, instance := range group.Instances {
		if err := s.locks.MarkAvailable(instance.ID); err != nil {
			s.logger.Printf("warning: mark instance %d available: %v", instance.ID, err)
		}
	}
}

// filterFromSelectors converts selector args into a registry filter.
// Accepted: --group_name=<v>, --instance_name=<v>, --instance_id=<v>,
// --home=<v>.
func filterFromSelectors(selectors []string) (registry.Filter, error) {
	var queries []registry.Query
	for _, selector := range selectors {
		trimmed := strings.TrimLeft(selector, "-")
		field, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			return registry.Filter{}, fmt.Errorf("selector %q lacks a value: %w", selector, registry.ErrInvalid)
		}
		queries = append(queries, registry.Query{Field: field, Value: value})
	}
	return registry.FilterFromQueries(queries)
}

// consumeArg removes --name=value from args, returning the remainder
// and the last value seen.
func consumeArg(args []string, name string) ([]string, string, bool) {
	var (
		kept  []string
		value string
		found bool
	)
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--"+name+"="); ok {
			value, found = v, true
			continue
		}
		if v, ok := strings.CutPrefix(arg, "-"+name+"="); ok {
			value, found = v, true
			continue
		}
		kept = append(kept, arg)
	}
	return kept, value, found
}

// streamWriter adapts a frame type over conn into an io.Writer so
// child output can be piped straight to the client.
type streamWriter struct {
	conn net.Conn
	kind byte
	mu   *sync.Mutex
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := protocol.WriteFrame(w.conn, protocol.Frame{Type: w.kind, Payload: p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

var _ io.Writer = (*streamWriter)(nil)
