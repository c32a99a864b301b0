// Package environment locates the runtime environment the worker runs in and
// builds the activated process environment for commands launched inside it.
package environment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/turtacn/Phoenix/pkg/consts"
	perrors "github.com/turtacn/Phoenix/pkg/errors"
)

// Environment is a resolved runtime environment.
type Environment struct {
	// Dir is the environment directory, joined onto the resolver's BaseDir.
	Dir string
	// BinDir is the executable directory inside Dir.
	BinDir string
}

// Resolver selects an environment directory. Relative candidates are tried
// under BaseDir, which defaults to the working directory.
type Resolver struct {
	BaseDir string
}

// Resolve returns the environment at explicit, or the first existing
// conventional candidate when explicit is empty. It never mutates the
// filesystem.
func (r Resolver) Resolve(explicit string) (Environment, error) {
	dir, err := r.envDir(explicit)
	if err != nil {
		return Environment{}, err
	}

	for _, name := range consts.BinDirCandidates {
		candidate := filepath.Join(dir, name)
		if r.isDir(candidate) {
			return Environment{Dir: r.path(dir), BinDir: r.path(candidate)}, nil
		}
	}

	msg := fmt.Sprintf("environment not found in %s; please ensure setup is correct",
		quoteAll(dir, consts.BinDirCandidates))
	return Environment{}, perrors.New(perrors.ErrCodeConfigInvalid, "ResolveEnv", msg, nil)
}

func (r Resolver) envDir(explicit string) (string, error) {
	if explicit != "" {
		dir := strings.TrimRight(explicit, `/\`)
		if dir == "" {
			dir = string(filepath.Separator)
		}
		if !r.isDir(dir) {
			msg := fmt.Sprintf("environment path '%s' not found", dir)
			return "", perrors.New(perrors.ErrCodeConfigInvalid, "ResolveEnv", msg, nil)
		}
		return dir, nil
	}

	for _, name := range consts.EnvDirCandidates {
		if r.isDir(name) {
			return name, nil
		}
	}
	msg := fmt.Sprintf("environment not found in %s; please create one before starting",
		quoteAll("", consts.EnvDirCandidates))
	return "", perrors.New(perrors.ErrCodeConfigInvalid, "ResolveEnv", msg, nil)
}

func (r Resolver) path(p string) string {
	if filepath.IsAbs(p) || r.BaseDir == "" {
		return p
	}
	return filepath.Join(r.BaseDir, p)
}

func (r Resolver) isDir(p string) bool {
	info, err := os.Stat(r.path(p))
	return err == nil && info.IsDir()
}

func quoteAll(dir string, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + filepath.Join(dir, n) + "'"
	}
	return strings.Join(quoted, " or ")
}

// Personal.AI order the ending
