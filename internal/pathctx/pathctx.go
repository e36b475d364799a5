// Package pathctx resolves the path references agent files and scripts use
// ($tmp/..., $workspace/..., ns@pack[/subpath], ns@pack$base/...) against a
// run's actual directories, and enforces that any write stays under the
// workspace or an explicit base — the same symlink-resolved prefix
// containment check the policy checker uses to decide whether a filesystem
// path is allowed, repurposed here from an allow-list check into a
// reference resolver.
package pathctx

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathContext resolves path references and enforces write containment.
type PathContext interface {
	// Resolve turns a reference into an absolute filesystem path.
	Resolve(ref string) (string, error)
	// AllowWrite reports whether path is inside the workspace or an
	// explicitly registered base directory.
	AllowWrite(path string) bool
}

// PackBase is a named base directory a "ns@pack" reference can resolve
// against, beyond the implicit $workspace and $tmp roots.
type PackBase struct {
	Namespace string
	Pack      string
	Dir       string
}

type ctx struct {
	workspace string
	tmp       string
	bases     []PackBase
}

// New builds a PathContext rooted at workspace (the agent file's directory
// by default) and tmp (a scratch directory unique to the run).
func New(workspace, tmp string, bases []PackBase) (PathContext, error) {
	ws, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	tp, err := filepath.Abs(tmp)
	if err != nil {
		return nil, fmt.Errorf("resolve tmp: %w", err)
	}
	return &ctx{workspace: ws, tmp: tp, bases: bases}, nil
}

// Resolve implements the $tmp, $workspace, ns@pack[/subpath], and
// ns@pack$base/... reference grammar.
func (c *ctx) Resolve(ref string) (string, error) {
	switch {
	case ref == "$tmp" || strings.HasPrefix(ref, "$tmp/"):
		return filepath.Join(c.tmp, strings.TrimPrefix(ref, "$tmp")), nil
	case ref == "$workspace" || strings.HasPrefix(ref, "$workspace/"):
		return filepath.Join(c.workspace, strings.TrimPrefix(ref, "$workspace")), nil
	case strings.Contains(ref, "@"):
		return c.resolvePackRef(ref)
	default:
		// A bare relative path resolves against the workspace.
		if filepath.IsAbs(ref) {
			return ref, nil
		}
		return filepath.Join(c.workspace, ref), nil
	}
}

// resolvePackRef handles "ns@pack", "ns@pack/subpath", "ns@pack$base/...",
// and "ns@pack$workspace/...".
func (c *ctx) resolvePackRef(ref string) (string, error) {
	at := strings.Index(ref, "@")
	ns, rest := ref[:at], ref[at+1:]

	pack := rest
	subpath := ""
	base := ""
	if dollar := strings.Index(rest, "$"); dollar >= 0 {
		pack, base = rest[:dollar], rest[dollar+1:]
		if slash := strings.Index(base, "/"); slash >= 0 {
			subpath, base = base[slash+1:], base[:slash]
		}
	} else if slash := strings.Index(rest, "/"); slash >= 0 {
		pack, subpath = rest[:slash], rest[slash+1:]
	}

	switch base {
	case "", "workspace":
		// fall through to pack base lookup below
	case "tmp":
		return filepath.Join(c.tmp, subpath), nil
	}

	for _, b := range c.bases {
		if b.Namespace == ns && b.Pack == pack {
			return filepath.Join(b.Dir, subpath), nil
		}
	}
	return "", fmt.Errorf("pathctx: unknown pack reference %q (namespace=%q pack=%q)", ref, ns, pack)
}

// AllowWrite reports whether path resolves, after following symlinks, to
// somewhere under the workspace or tmp root, or under one of the registered
// pack bases.
func (c *ctx) AllowWrite(path string) bool {
	resolved, err := resolveForContainment(path)
	if err != nil {
		return false
	}
	roots := []string{c.workspace, c.tmp}
	for _, b := range c.bases {
		roots = append(roots, b.Dir)
	}
	for _, root := range roots {
		rootResolved, err := resolveForContainment(root)
		if err != nil {
			rootResolved = root
		}
		if resolved == rootResolved || strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func resolveForContainment(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return "", err
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}
	return filepath.Abs(resolved)
}
