package app

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

// EnvServerName is injected into every worker so it can tell which fleet entry it is.
const EnvServerName = "MCPFLEET_SERVER"

// buildWorkerEnv layers the worker environment: ambient vars (filtered by InheritEnv),
// PATH augmentation on darwin, our own vars, then config overrides with ${VAR} expansion.
func buildWorkerEnv(name string, c domain.ServerConfig) []string {
	return buildEnvFrom(os.Environ(), runtime.GOOS, name, c)
}

func buildEnvFrom(parentEnv []string, goos, name string, c domain.ServerConfig) []string {
	parentMap := make(map[string]string, len(parentEnv))
	for _, e := range parentEnv {
		if k, v, ok := strings.Cut(e, "="); ok {
			parentMap[k] = v
		}
	}

	var base []string
	if len(c.InheritEnv) == 1 && strings.ToLower(c.InheritEnv[0]) == "none" {
		// Clean environment: inherit nothing
		base = nil
	} else if len(c.InheritEnv) > 0 {
		for _, e := range parentEnv {
			k, _, ok := strings.Cut(e, "=")
			if !ok {
				continue
			}
			for _, pattern := range c.InheritEnv {
				if matchEnvGlob(pattern, k) {
					base = append(base, e)
					break
				}
			}
		}
	} else {
		base = append([]string(nil), parentEnv...)
	}

	if goos == "darwin" {
		base = setEnvVar(base, "PATH", augmentPath(lookupEnv(base, "PATH"), parentMap["HOME"]))
	}

	base = setEnvVar(base, EnvServerName, name)

	for k, v := range c.Env {
		expanded := os.Expand(v, func(key string) string {
			return parentMap[key]
		})
		base = setEnvVar(base, k, expanded)
	}

	return base
}

// augmentPath appends the usual binary locations missing from path.
// Processes launched from a GUI on macOS get a minimal PATH without Homebrew.
func augmentPath(path, home string) string {
	extra := []string{"/opt/homebrew/bin", "/usr/local/bin", "/usr/bin", "/bin", "/usr/sbin", "/sbin"}
	if home != "" {
		extra = append(extra, filepath.Join(home, ".local", "bin"))
	}

	var parts []string
	if path != "" {
		parts = filepath.SplitList(path)
	}
	have := make(map[string]bool, len(parts))
	for _, p := range parts {
		have[p] = true
	}
	for _, p := range extra {
		if !have[p] {
			parts = append(parts, p)
			have[p] = true
		}
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// setEnvVar sets or replaces an env var in a []string env slice.
func setEnvVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return e[len(prefix):]
		}
	}
	return ""
}

// matchEnvGlob matches an env var name against a glob pattern.
// Supports * (match any chars) and ? (match single char).
func matchEnvGlob(pattern, name string) bool {
	matched, _ := filepath.Match(pattern, name)
	return matched
}
