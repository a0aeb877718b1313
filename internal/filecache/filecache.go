// Package filecache implements the open-file cache (C11): an LRU of
// open *os.File handles keyed by path, refcounted so a handle survives
// until every in-flight response using it is done, retained past the
// lookup that opened it only as Open describes for min_uses, and
// invalidated by fsnotify on filesystem
// changes rather than only by periodic re-stat. The LRU/refcount core
// is github.com/hashicorp/golang-lru/v2; invalidation hooks are
// github.com/fsnotify/fsnotify, matching nabbar-golib and
// webitel-im-delivery-service's own use of both libraries together.
package filecache

import (
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fsnotify/fsnotify"

	"github.com/joeycumines/go-ngxcore/internal/logging"
)

// entry is one cached open file.
type entry struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	size      int64
	modTime   time.Time
	refcount  int
	uses      int
	firstSeen time.Time
	evicted   bool
}

// Cache is the open-file cache.
type Cache struct {
	lru      *lru.Cache[string, *entry]
	watcher  *fsnotify.Watcher
	minUses  int
	inactive time.Duration
	log      logging.Logger

	mu      sync.Mutex
	watched map[string]bool
}

// New creates a Cache holding up to maxItems entries. When the cache
// is full the least recently used entry is dropped whatever its
// refcount; the onEvict callback closes its file at once if no Handle
// holds it, and otherwise the last Handle's Release closes it.
func New(maxItems int, minUses int, inactive time.Duration, log logging.Logger) (*Cache, error) {
	if maxItems <= 0 {
		maxItems = 1024
	}
	if minUses <= 0 {
		minUses = 1
	}

	c := &Cache{
		minUses:  minUses,
		inactive: inactive,
		log:      log.WithCategory("filecache"),
		watched:  make(map[string]bool),
	}

	onEvict := func(path string, e *entry) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.evicted = true
		if e.refcount == 0 && e.file != nil {
			_ = e.file.Close()
			e.file = nil
		}
	}
	l, err := lru.NewWithEvict[string, *entry](maxItems, onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	c.watcher = w
	go c.watchLoop()

	return c, nil
}

// Handle is a checked-out reference to a cached open file; callers
// must call Release when done, matching nginx's ngx_open_file_cache
// reference counting so a concurrently-invalidated file doesn't get
// closed out from under an in-flight sendfile.
type Handle struct {
	e *entry
	c *Cache
}

// File returns the underlying *os.File.
func (h *Handle) File() *os.File { return h.e.file }

// Size returns the cached file size at open time.
func (h *Handle) Size() int64 { return h.e.size }

// Release decrements the reference count, closing the file
// immediately if it was already evicted while still in use.
func (h *Handle) Release() {
	h.e.mu.Lock()
	h.e.refcount--
	closeNow := h.e.refcount == 0 && h.e.file != nil && h.e.evicted
	var f *os.File
	if closeNow {
		f = h.e.file
		h.e.file = nil
	}
	h.e.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
}

// Open looks up path, opening and caching it on a miss. A freshly
// opened file is retained past this call (kept warm for the next
// lookup) only when minUses is 1. Lookups of a path that is not cached
// are not counted across calls, so with a larger minUses every lookup
// re-opens the file and nothing is cached; the inactive window is
// stored but not consulted.
func (c *Cache) Open(path string) (*Handle, error) {
	if cached, ok := c.lru.Get(path); ok {
		cached.mu.Lock()
		cached.uses++
		cached.refcount++
		f := cached.file
		cached.mu.Unlock()
		if f != nil {
			return &Handle{e: cached, c: c}, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	e := &entry{
		path:      path,
		file:      f,
		size:      fi.Size(),
		modTime:   fi.ModTime(),
		refcount:  1,
		uses:      1,
		firstSeen: time.Now(),
	}

	if e.uses >= c.minUses {
		c.lru.Add(path, e)
		c.watchPath(path)
	}

	return &Handle{e: e, c: c}, nil
}

func (c *Cache) watchPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watched[path] {
		return
	}
	if err := c.watcher.Add(path); err == nil {
		c.watched[path] = true
	}
}

func (c *Cache) watchLoop() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0 {
				c.invalidate(ev.Name)
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// invalidate evicts path immediately, regardless of inactive timeout,
// in response to an fsnotify event — the cache no longer has to wait
// out nginx's periodic re-stat window to notice a changed file.
func (c *Cache) invalidate(path string) {
	if e, ok := c.lru.Peek(path); ok {
		e.mu.Lock()
		e.evicted = true
		e.mu.Unlock()
	}
	c.lru.Remove(path)
	c.mu.Lock()
	delete(c.watched, path)
	c.mu.Unlock()
}

// Close shuts down the filesystem watcher. Already-open handles remain
// valid until Released.
func (c *Cache) Close() error {
	return c.watcher.Close()
}
