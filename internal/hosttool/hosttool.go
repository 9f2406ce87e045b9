// Package hosttool inspects the launcher toolkit on disk. It answers two
// questions about a host-artifacts directory: which executable implements
// an operation, and whether that executable accepts a given flag. The
// answers adapt the daemon to older and newer toolkits without hard-coded
// flag support matrices.
package hosttool

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// opAlternatives lists the executable base names implementing each
// operation, newest first. The first one present in bin/ wins.
var opAlternatives = map[string][]string{
	"start":  {"cvd_internal_start", "launch_cvd"},
	"stop":   {"cvd_internal_stop", "stop_cvd"},
	"status": {"cvd_internal_status", "cvd_status"},
}

var flagNamePattern = regexp.MustCompile(`<name>([^<]+)</name>`)

type toolInfo struct {
	binName string
	flags   map[string]bool
}

// Introspector caches per-toolkit lookups. All queries are pure functions
// of the on-disk toolkit, so a cache entry stays valid as long as the
// toolkit does.
type Introspector struct {
	mu     sync.Mutex
	cache  map[string]*toolInfo // artifacts path + op -> info
	logger *log.Logger
}

// NewIntrospector creates an introspector.
func NewIntrospector(logger *log.Logger) *Introspector {
	if logger == nil {
		logger = log.New(os.Stdout, "[hosttool] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Introspector{
		cache:  make(map[string]*toolInfo),
		logger: logger,
	}
}

// ExecBaseName returns the base name of the executable implementing op in
// the given host-artifacts directory.
func (t *Introspector) ExecBaseName(artifactsPath, op string) (string, error) {
	info, err := t.lookup(artifactsPath, op)
	if err != nil {
		return "", err
	}
	return info.binName, nil
}

// HasFlag reports whether the executable for op accepts the named flag.
func (t *Introspector) HasFlag(artifactsPath, op, flagName string) (bool, error) {
	info, err := t.lookup(artifactsPath, op)
	if err != nil {
		return false, err
	}
	return info.flags[flagName], nil
}

// Invalidate drops the cached answers for one host-artifacts directory.
// The next query probes the toolkit again.
func (t *Introspector) Invalidate(artifactsPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := artifactsPath + "\x00"
	for key := range t.cache {
		if strings.HasPrefix(key, prefix) {
			delete(t.cache, key)
		}
	}
}

func (t *Introspector) lookup(artifactsPath, op string) (*toolInfo, error) {
	key := artifactsPath + "\x00" + op
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.cache[key]; ok {
		return info, nil
	}

	alternatives, ok := opAlternatives[op]
	if !ok {
		return nil, fmt.Errorf("unknown host tool operation %q", op)
	}

	binName := ""
	for _, alternative := range alternatives {
		if _, err := os.Stat(filepath.Join(artifactsPath, "bin", alternative)); err == nil {
			binName = alternative
			break
		}
	}
	if binName == "" {
		return nil, fmt.Errorf("no %q executable among %v under %s/bin", op, alternatives, artifactsPath)
	}

	flags, err := t.probeFlags(filepath.Join(artifactsPath, "bin", binName))
	if err != nil {
		return nil, err
	}

	info := &toolInfo{binName: binName, flags: flags}
	t.cache[key] = info
	return info, nil
}

// probeFlags runs the tool with --helpxml and collects the advertised
// flag names. The tool exits non-zero after printing help, so the exit
// status is ignored as long as there is output to parse.
func (t *Introspector) probeFlags(binPath string) (map[string]bool, error) {
	cmd := exec.Command(binPath, "--helpxml")
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("probe %s --helpxml: %w", binPath, err)
	}

	flags := make(map[string]bool)
	for _, match := range flagNamePattern.FindAllStringSubmatch(string(out), -1) {
		flags[match[1]] = true
	}
	t.logger.Printf("probed %s: %d flags", binPath, len(flags))
	return flags, nil
}
