// Package launcher prepares and supervises invocations of the on-disk
// device launcher: argument and environment canonicalization, group
// creation planning, subprocess supervision, and signal-driven
// interruption.
package launcher

import (
	"fmt"
	"path/filepath"
	"strings"

	"cvdd/internal/registry"
)

// Environment variable names shared with the launcher child.
const (
	EnvHome               = "HOME"
	EnvAndroidHostOut     = "ANDROID_HOST_OUT"
	EnvAndroidSoongHostOut = "ANDROID_SOONG_HOST_OUT"
	EnvAndroidProductOut  = "ANDROID_PRODUCT_OUT"
	EnvCuttlefishInstance = "CUTTLEFISH_INSTANCE"
	EnvCvdMark            = "CVD_MARK"
	EnvLaunchedByAcloud   = "LAUNCHED_BY_ACLOUD"
)

// ResolveHome normalizes a client-supplied HOME value to an absolute path
// using the client's working directory as base, without following
// symlinks. A value starting with "~" is rejected: the client's tilde
// expansion is unknowable on this side of the socket.
func ResolveHome(given, clientCwd string) (string, error) {
	if strings.HasPrefix(given, "~") {
		return "", fmt.Errorf("the HOME directory should not start with ~: %w", registry.ErrInvalid)
	}
	if filepath.IsAbs(given) {
		return filepath.Clean(given), nil
	}
	return filepath.Join(clientCwd, given), nil
}

// copyEnv copies an environment map so rewrites don't alias the input.
func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// FlattenEnv converts an environment map to "KEY=VALUE" form for exec.
func FlattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
