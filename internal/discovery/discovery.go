// Package discovery scans a project for pytest tests and builds the
// catalog the run pipeline correlates results against.
package discovery

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/logger"
)

// DefaultSkipDirs are never descended into
var DefaultSkipDirs = []string{
	"__pycache__", ".pytest_cache", "node_modules",
	"venv", ".venv", "env", "build", "dist", "docs",
}

// Discoverer finds tests below a root directory
type Discoverer struct {
	root    string
	skip    map[string]bool
	workers int
	log     *log.Logger
}

// Option configures a Discoverer
type Option func(*Discoverer)

// WithSkipDirs adds directory names to skip
func WithSkipDirs(names ...string) Option {
	return func(d *Discoverer) {
		for _, n := range names {
			d.skip[n] = true
		}
	}
}

// WithWorkers bounds how many files are parsed concurrently
func WithWorkers(n int) Option {
	return func(d *Discoverer) {
		if n > 0 {
			d.workers = n
		}
	}
}

// New creates a Discoverer for root
func New(root string, opts ...Option) *Discoverer {
	d := &Discoverer{
		root:    root,
		skip:    make(map[string]bool),
		workers: runtime.GOMAXPROCS(0),
		log:     logger.With("discovery"),
	}
	for _, n := range DefaultSkipDirs {
		d.skip[n] = true
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Root returns the directory being scanned
func (d *Discoverer) Root() string {
	return d.root
}

type dirNode struct {
	rel   string
	name  string
	dirs  []*dirNode
	files []int
}

type fileRef struct {
	abs string
	rel string
}

// Discover walks the root, parses every test file and returns the catalog.
// Unreadable files and directories are logged and skipped.
func (d *Discoverer) Discover(ctx context.Context) (*domain.Catalog, error) {
	root, err := filepath.Abs(d.root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if info, err := os.Stat(root); err != nil {
		return nil, err
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var files []fileRef
	top := &dirNode{name: filepath.Base(root)}
	d.scan(root, top, &files)

	parsed := make([]*File, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, err := os.ReadFile(f.abs)
			if err != nil {
				d.log.Warn("skipping unreadable test file", "file", f.rel, "err", err)
				return nil
			}
			parsed[i] = ParseFile(f.rel, src)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cat := domain.NewCatalog(root)
	d.insertDir(cat, 0, top, parsed)

	stats := cat.Stats()
	d.log.Info("discovery complete", "root", root, "files", stats.Files, "tests", stats.Functions)
	return cat, nil
}

func (d *Discoverer) scan(dir string, node *dirNode, files *[]fileRef) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		d.log.Warn("skipping unreadable directory", "dir", dir, "err", err)
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		rel := name
		if node.rel != "" {
			rel = path.Join(node.rel, name)
		}
		if entry.IsDir() {
			if d.skip[name] || strings.HasSuffix(name, ".egg-info") {
				continue
			}
			child := &dirNode{rel: rel, name: name}
			d.scan(filepath.Join(dir, name), child, files)
			node.dirs = append(node.dirs, child)
			continue
		}
		if IsTestFile(name) {
			node.files = append(node.files, len(*files))
			*files = append(*files, fileRef{abs: filepath.Join(dir, name), rel: rel})
		}
	}
}

// insertDir adds the non-empty contents of dir below parent and reports
// whether anything was added
func (d *Discoverer) insertDir(cat *domain.Catalog, parent int, dir *dirNode, parsed []*File) bool {
	added := false
	for _, sub := range dir.dirs {
		if !hasTests(sub, parsed) {
			continue
		}
		idx := cat.AddNode(parent, domain.NewNode(sub.rel, sub.name, domain.NodeDirectory))
		d.insertDir(cat, idx, sub, parsed)
		added = true
	}
	for _, fi := range dir.files {
		f := parsed[fi]
		if f == nil || f.Empty() {
			continue
		}
		insertFile(cat, parent, f)
		added = true
	}
	return added
}

func hasTests(dir *dirNode, parsed []*File) bool {
	for _, fi := range dir.files {
		if f := parsed[fi]; f != nil && !f.Empty() {
			return true
		}
	}
	for _, sub := range dir.dirs {
		if hasTests(sub, parsed) {
			return true
		}
	}
	return false
}

func insertFile(cat *domain.Catalog, parent int, f *File) {
	fn := domain.NewNode(f.Path, path.Base(f.Path), domain.NodeFile)
	fn.AddMarkers(f.Markers...)
	fileIdx := cat.AddNode(parent, fn)

	for _, t := range f.Tests {
		id := f.Path + "::" + t.Name
		if !t.Class {
			cat.AddNode(fileIdx, itemNode(id, t, domain.NodeFunction))
			continue
		}
		clsIdx := cat.AddNode(fileIdx, itemNode(id, t, domain.NodeClass))
		for _, m := range t.Methods {
			cat.AddNode(clsIdx, itemNode(id+"::"+m.Name, m, domain.NodeFunction))
		}
	}
}

func itemNode(id string, it *Item, typ domain.NodeType) *domain.Node {
	n := domain.NewNode(id, it.Name, typ)
	n.AddMarkers(it.Markers...)
	n.LineNumber = it.Line
	n.Docstring = it.Docstring
	return n
}
