package file

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// WatchEvent describes a change observed by a store watcher.
type WatchEvent struct {
	Path string
	Op   string // create, write, remove, rename
}

// Store is the file-store capability the manager consumes. The kernel
// never touches the disk directly.
type Store interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Stat(path string) (fs.FileInfo, error)
	Delete(path string) error
	Rename(src, dst string) error
	Mkdir(path string) error
	// Watch invokes handler for events under path until the returned
	// cancel function is called.
	Watch(path string, handler func(WatchEvent)) (func(), error)
}

// LocalStore implements Store against a root directory on the local
// filesystem, using fsnotify for watches.
type LocalStore struct {
	root    string
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	// watch handlers by subscription id
	handlers map[int]localWatch
	nextID   int
	logger   *logger.Logger
}

type localWatch struct {
	prefix  string
	handler func(WatchEvent)
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(root string, log *logger.Logger) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	s := &LocalStore{
		root:     abs,
		handlers: make(map[int]localWatch),
		logger:   log.WithFields(zap.String("component", "file-store")),
	}
	return s, nil
}

// resolve maps a logical path under the store root and rejects escapes.
func (s *LocalStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(s.root, clean)
	if !strings.HasPrefix(full, s.root) {
		return "", apperrors.Validationf("path %q escapes store root", path)
	}
	return full, nil
}

func (s *LocalStore) Read(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, apperrors.NotFound("file", path)
	}
	return data, err
}

func (s *LocalStore) Write(path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (s *LocalStore) Stat(path string) (fs.FileInfo, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, apperrors.NotFound("file", path)
	}
	return info, err
}

func (s *LocalStore) Delete(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); os.IsNotExist(err) {
		return apperrors.NotFound("file", path)
	} else if err != nil {
		return err
	}
	return nil
}

func (s *LocalStore) Rename(src, dst string) error {
	fullSrc, err := s.resolve(src)
	if err != nil {
		return err
	}
	fullDst, err := s.resolve(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullDst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(fullSrc, fullDst); os.IsNotExist(err) {
		return apperrors.NotFound("file", src)
	} else if err != nil {
		return err
	}
	return nil
}

func (s *LocalStore) Mkdir(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}

// Watch registers a handler for fsnotify events under path.
func (s *LocalStore) Watch(path string, handler func(WatchEvent)) (func(), error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		s.watcher = w
		go s.dispatchLoop()
	}

	dir := full
	if info, err := os.Stat(full); err != nil || !info.IsDir() {
		dir = filepath.Dir(full)
	}
	if err := s.watcher.Add(dir); err != nil {
		return nil, err
	}

	id := s.nextID
	s.nextID++
	s.handlers[id] = localWatch{prefix: full, handler: handler}

	cancel := func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
	return cancel, nil
}

// dispatchLoop fans fsnotify events out to registered handlers.
func (s *LocalStore) dispatchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.dispatch(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (s *LocalStore) dispatch(event fsnotify.Event) {
	rel, err := filepath.Rel(s.root, event.Name)
	if err != nil {
		return
	}

	op := ""
	switch {
	case event.Has(fsnotify.Create):
		op = "create"
	case event.Has(fsnotify.Write):
		op = "write"
	case event.Has(fsnotify.Remove):
		op = "remove"
	case event.Has(fsnotify.Rename):
		op = "rename"
	default:
		return
	}

	s.mu.Lock()
	var targets []func(WatchEvent)
	for _, w := range s.handlers {
		if strings.HasPrefix(event.Name, w.prefix) {
			targets = append(targets, w.handler)
		}
	}
	s.mu.Unlock()

	we := WatchEvent{Path: filepath.ToSlash(rel), Op: op}
	for _, h := range targets {
		h(we)
	}
}

// Close stops the fsnotify watcher.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// MemoryStore is an in-memory Store used by tests and by deployments
// that mount no workspace.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

func (s *MemoryStore) Read(path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[path]
	if !ok {
		return nil, apperrors.NotFound("file", path)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Write(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Stat(path string) (fs.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[path]
	if !ok {
		if s.dirs[path] {
			return memFileInfo{name: filepath.Base(path), dir: true}, nil
		}
		return nil, apperrors.NotFound("file", path)
	}
	return memFileInfo{name: filepath.Base(path), size: int64(len(data))}, nil
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[path]; !ok {
		return apperrors.NotFound("file", path)
	}
	delete(s.files, path)
	return nil
}

func (s *MemoryStore) Rename(src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[src]
	if !ok {
		return apperrors.NotFound("file", src)
	}
	delete(s.files, src)
	s.files[dst] = data
	return nil
}

func (s *MemoryStore) Mkdir(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[path] = true
	return nil
}

func (s *MemoryStore) Watch(path string, handler func(WatchEvent)) (func(), error) {
	// Memory store has no external change source; nothing to watch.
	return func() {}, nil
}

type memFileInfo struct {
	name string
	size int64
	dir  bool
}

func (f memFileInfo) Name() string      { return f.name }
func (f memFileInfo) Size() int64       { return f.size }
func (f memFileInfo) Mode() fs.FileMode { return 0o644 }
func (f memFileInfo) ModTime() time.Time { return time.Time{} }
func (f memFileInfo) IsDir() bool       { return f.dir }
func (f memFileInfo) Sys() any          { return nil }
