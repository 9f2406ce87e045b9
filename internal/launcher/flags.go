package launcher

import (
	"fmt"
	"strings"

	"cvdd/internal/registry"
)

// consumeFlag removes every occurrence of the named flag from args and
// returns the last value seen. Both "--name=value" and "--name value"
// forms are recognized, with one or two leading dashes. The second
// return is false when the flag never appeared.
func consumeFlag(args []string, name string) ([]string, string, bool) {
	var (
		kept  []string
		value string
		found bool
	)
	prefixes := []string{"--" + name + "=", "-" + name + "="}
	bare := map[string]bool{"--" + name: true, "-" + name: true}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		matched := false
		for _, prefix := range prefixes {
			if strings.HasPrefix(arg, prefix) {
				value = arg[len(prefix):]
				found = true
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if bare[arg] && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			value = args[i+1]
			found = true
			i++
			continue
		}
		kept = append(kept, arg)
	}
	return kept, value, found
}

// truthy values accepted for --daemon. Anything else is rejected rather
// than defaulted, so a typo never silently launches in the foreground.
var daemonTruthy = map[string]bool{"y": true, "yes": true, "true": true}
var daemonFalsy = map[string]bool{"n": true, "no": true, "false": true}

// ConsumeDaemonFlag strips any --daemon/--nodaemon spelling from args
// and validates it. Children of the daemon must daemonize, so
// --nodaemon and false-like values fail with ErrInvalid. The caller
// appends the canonical --daemon=true afterwards.
func ConsumeDaemonFlag(args []string) ([]string, error) {
	var kept []string
	for _, arg := range args {
		switch {
		case arg == "--nodaemon" || arg == "-nodaemon":
			return nil, fmt.Errorf("--nodaemon is not supported, managed devices always daemonize: %w", registry.ErrInvalid)
		case arg == "--daemon" || arg == "-daemon":
			// Bare form means true.
		case strings.HasPrefix(arg, "--daemon=") || strings.HasPrefix(arg, "-daemon="):
			value := arg[strings.Index(arg, "=")+1:]
			if strings.Contains(value, ",") {
				return nil, fmt.Errorf("invalid --daemon value %q: %w", value, registry.ErrInvalid)
			}
			lower := strings.ToLower(value)
			if daemonFalsy[lower] {
				return nil, fmt.Errorf("--daemon=%s is not supported, managed devices always daemonize: %w", value, registry.ErrInvalid)
			}
			if !daemonTruthy[lower] {
				return nil, fmt.Errorf("invalid --daemon value %q: %w", value, registry.ErrInvalid)
			}
		default:
			kept = append(kept, arg)
		}
	}
	return kept, nil
}
