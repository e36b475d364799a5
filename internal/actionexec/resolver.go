package actionexec

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/agentrun/internal/config"
	"github.com/basket/agentrun/internal/pathctx"
)

// FileResolver looks up agent files by bare name (a flat index under root)
// or by "ns@pack[/subpath]" reference (resolved against registered pack
// bases, the same grammar pathctx.PathContext resolves for scripts).
// Watches the agent directory with fsnotify, generalized from watching a
// fixed file list to watching a whole directory.
type FileResolver struct {
	root   string
	bases  []pathctx.PackBase
	logger *slog.Logger

	mu    sync.RWMutex
	index map[string]string // bare agent name -> absolute .md path
}

// NewFileResolver indexes every ".md" file under root by its base name
// (without extension) and is ready to serve Resolve immediately.
func NewFileResolver(root string, bases []pathctx.PackBase, logger *slog.Logger) (*FileResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileResolver{root: root, bases: bases, logger: logger, index: map[string]string{}}
	if err := r.reindex(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileResolver) reindex() error {
	index := map[string]string{}
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		name := strings.TrimSuffix(filepath.Base(path), ".md")
		index[name] = path
		return nil
	})
	if err != nil {
		return fmt.Errorf("index agent directory %s: %w", r.root, err)
	}
	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
	return nil
}

// Watch keeps the name index in sync with the directory layout as agent
// files are added, removed, or renamed. Resolve itself always re-reads a
// file's content, so editing an existing agent in place needs no watch at
// all -- Redo already picks it up on its next resolve.
func (r *FileResolver) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch agent directory: %w", err)
	}
	if err := w.Add(r.root); err != nil {
		w.Close()
		return fmt.Errorf("watch agent directory: %w", err)
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := r.reindex(); err != nil {
						r.logger.Error("agent directory reindex failed", "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Error("agent directory watch error", "error", err)
			}
		}
	}()
	return nil
}

// Resolve locates ref and parses its current on-disk content; it never
// caches a parsed AgentDef, so an edit to an agent already in the index is
// visible on the very next call.
func (r *FileResolver) Resolve(ctx context.Context, ref string) (*config.AgentDef, error) {
	path, err := r.locate(ref)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent file %s: %w", path, err)
	}
	def, err := config.Parse(path, raw)
	if err != nil {
		return nil, err
	}
	if err := def.ValidateOptions(); err != nil {
		return nil, err
	}
	return def, nil
}

func (r *FileResolver) locate(ref string) (string, error) {
	if strings.Contains(ref, "@") {
		pc, err := pathctx.New(r.root, os.TempDir(), r.bases)
		if err != nil {
			return "", err
		}
		abs, err := pc.Resolve(ref)
		if err != nil {
			return "", fmt.Errorf("agent not found: %s: %w", ref, err)
		}
		if !strings.HasSuffix(abs, ".md") {
			abs += ".md"
		}
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("agent not found: %s", ref)
		}
		return abs, nil
	}

	r.mu.RLock()
	path, ok := r.index[ref]
	r.mu.RUnlock()
	if ok {
		return path, nil
	}

	direct := filepath.Join(r.root, ref+".md")
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}
	return "", fmt.Errorf("agent not found: %s", ref)
}
