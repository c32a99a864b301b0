package environment

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/turtacn/Phoenix/pkg/consts"
)

// Activate returns base with the environment activated: VIRTUAL_ENV points
// at Dir and BinDir is prepended to PATH. Later entries win, so callers can
// append overrides after it.
func (e Environment) Activate(base []string) []string {
	dir, _ := filepath.Abs(e.Dir)
	bin, _ := filepath.Abs(e.BinDir)

	path := bin
	if cur, ok := lookup(base, "PATH"); ok && cur != "" {
		path = bin + string(os.PathListSeparator) + cur
	}

	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, "PATH=") || strings.HasPrefix(kv, consts.EnvVirtualEnv+"=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, consts.EnvVirtualEnv+"="+dir, "PATH="+path)
}

// Command resolves argv[0] against BinDir when it is a bare name that exists
// there, so "python" means the environment's interpreter. The resolved path
// is absolute so it survives a different working directory.
func (e Environment) Command(argv []string) []string {
	if len(argv) == 0 || e.BinDir == "" || strings.ContainsRune(argv[0], filepath.Separator) {
		return argv
	}
	candidate := filepath.Join(e.BinDir, argv[0])
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		if abs, err := filepath.Abs(candidate); err == nil {
			candidate = abs
		}
		return append([]string{candidate}, argv[1:]...)
	}
	return argv
}

func lookup(env []string, key string) (string, bool) {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):], true
		}
	}
	return "", false
}

// Personal.AI order the ending
