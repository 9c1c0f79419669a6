package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moelog/aiqna/internal/cachekey"
)

// Durable-tier tuning. Expiry is lazy (checked on access), ClearAll
// works in bounded batches so a large purge cannot starve other work on
// shared infrastructure.
const (
	pageExt        = ".html"
	clearBatchSize = 200
	clearBatchWait = 50 * time.Millisecond
	existsMemoTTL  = 30 * time.Second
	statsTTL       = 3 * time.Minute
)

// PageStore is the durable tier: fully rendered answer pages on the
// filesystem, keyed by (content id, question hash). Every key is
// derivable solely from (contentID, question) — no index is persisted,
// so invalidation on content edit is a direct path computation.
type PageStore struct {
	root string
	ttl  time.Duration

	mu        sync.Mutex
	existMemo map[string]existsMemoEntry

	statsMu   sync.Mutex
	statsAt   time.Time
	statsMemo CacheStats

	now func() time.Time
}

// existsMemoEntry records a positive existence check plus the blob's
// expiry deadline, so the memo can never outlive the TTL it vouches for.
type existsMemoEntry struct {
	checkedAt time.Time
	expiresAt time.Time
}

// CacheStats is the read-only summary exposed by the stats surface.
// Values may be up to a few minutes stale.
type CacheStats struct {
	PageCount int64    `json:"page_count"`
	PageBytes int64    `json:"page_bytes"`
	Directory string   `json:"directory"`
	Writable  bool     `json:"writable"`
	Ephemeral Counters `json:"ephemeral"`
}

// NewPageStore creates a page store rooted at dir with the given TTL.
// The directory is created on first write, not here.
func NewPageStore(dir string, ttl time.Duration) *PageStore {
	return &PageStore{
		root:      dir,
		ttl:       ttl,
		existMemo: make(map[string]existsMemoEntry),
		now:       time.Now,
	}
}

// Path returns the blob path for a (content id, question) pair.
func (p *PageStore) Path(contentID int64, question string) string {
	hash := cachekey.QuestionHash(contentID, question)
	return filepath.Join(p.root, fmt.Sprintf("%d-%s%s", contentID, hash, pageExt))
}

// Exists reports whether a live (unexpired) page is cached. An expired
// blob is deleted by the check that discovers it. Positive results are
// memoized for a short window to avoid re-stating the same path under
// load.
func (p *PageStore) Exists(contentID int64, question string) bool {
	path := p.Path(contentID, question)

	p.mu.Lock()
	if memo, ok := p.existMemo[path]; ok {
		now := p.now()
		if now.Sub(memo.checkedAt) < existsMemoTTL && now.Before(memo.expiresAt) {
			p.mu.Unlock()
			return true
		}
	}
	p.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	if p.now().Sub(info.ModTime()) >= p.ttl {
		if err := p.removeInsideRoot(path); err != nil {
			log.Printf("pagestore: failed to delete expired page %s: %v", filepath.Base(path), err)
		}
		return false
	}

	p.mu.Lock()
	p.existMemo[path] = existsMemoEntry{checkedAt: p.now(), expiresAt: info.ModTime().Add(p.ttl)}
	p.mu.Unlock()
	return true
}

// Save writes a rendered page atomically: the bytes land in a temp file
// that is renamed into place, so a concurrent reader never observes a
// partial blob. Last write wins.
func (p *PageStore) Save(contentID int64, question string, page []byte) error {
	if err := p.ensureRoot(); err != nil {
		return err
	}

	path := p.Path(contentID, question)
	tmp, err := os.CreateTemp(p.root, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("pagestore: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(page); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pagestore: write page: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pagestore: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pagestore: chmod page: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pagestore: publish page: %w", err)
	}

	p.mu.Lock()
	p.existMemo[path] = existsMemoEntry{checkedAt: p.now(), expiresAt: p.now().Add(p.ttl)}
	p.mu.Unlock()
	return nil
}

// Load returns the cached page bytes, or ok=false on miss or expiry.
// Expired content is never returned.
func (p *PageStore) Load(contentID int64, question string) ([]byte, bool) {
	if !p.Exists(contentID, question) {
		return nil, false
	}
	data, err := os.ReadFile(p.Path(contentID, question))
	if err != nil {
		log.Printf("pagestore: failed to read page for content %d: %v", contentID, err)
		return nil, false
	}
	return data, true
}

// Stat returns the modification time and size of a live cached page,
// for HTTP validators at the serving boundary.
func (p *PageStore) Stat(contentID int64, question string) (time.Time, int64, bool) {
	if !p.Exists(contentID, question) {
		return time.Time{}, 0, false
	}
	info, err := os.Stat(p.Path(contentID, question))
	if err != nil {
		return time.Time{}, 0, false
	}
	return info.ModTime(), info.Size(), true
}

// Delete removes the cached page for one question.
func (p *PageStore) Delete(contentID int64, question string) error {
	return p.removeInsideRoot(p.Path(contentID, question))
}

// DeleteAll removes every cached page for a content item. Used on
// content edit and delete.
func (p *PageStore) DeleteAll(contentID int64) (int, error) {
	pattern := filepath.Join(p.root, fmt.Sprintf("%d-*%s", contentID, pageExt))
	return p.removeGlob(pattern, nil)
}

// ClearAll deletes every cached page, in bounded batches with a short
// pause between them. Returns the number deleted.
func (p *PageStore) ClearAll() (int, error) {
	return p.removeGlob(filepath.Join(p.root, "*"+pageExt), nil)
}

// ClearExpired deletes only pages past TTL. Intended for periodic
// maintenance sweeps.
func (p *PageStore) ClearExpired() (int, error) {
	return p.removeGlob(filepath.Join(p.root, "*"+pageExt), func(path string) bool {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		return p.now().Sub(info.ModTime()) >= p.ttl
	})
}

// Stats returns the cache summary, recomputed at most every few
// minutes. Stale reads are acceptable by contract.
func (p *PageStore) Stats(eph CounterSource) CacheStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	if p.now().Sub(p.statsAt) < statsTTL && !p.statsAt.IsZero() {
		stats := p.statsMemo
		if eph != nil {
			stats.Ephemeral = eph.Counters()
		}
		return stats
	}

	stats := CacheStats{Directory: p.root}
	if info, err := os.Stat(p.root); err == nil && info.IsDir() {
		stats.Writable = isWritable(p.root)
		if files, err := filepath.Glob(filepath.Join(p.root, "*"+pageExt)); err == nil {
			for _, f := range files {
				if fi, err := os.Stat(f); err == nil {
					stats.PageCount++
					stats.PageBytes += fi.Size()
				}
			}
		}
	}

	p.statsMemo = stats
	p.statsAt = p.now()
	if eph != nil {
		stats.Ephemeral = eph.Counters()
	}
	return stats
}

// =========================================
// Helpers
// =========================================

func (p *PageStore) ensureRoot() error {
	if info, err := os.Stat(p.root); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return fmt.Errorf("pagestore: create cache directory %s: %w", p.root, err)
	}
	return nil
}

// removeGlob deletes files matching pattern for which keep is nil or
// returns true, yielding between batches.
func (p *PageStore) removeGlob(pattern string, match func(string) bool) (int, error) {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("pagestore: glob %s: %w", pattern, err)
	}

	count := 0
	for i, f := range files {
		if match != nil && !match(f) {
			continue
		}
		if err := p.removeInsideRoot(f); err != nil {
			log.Printf("pagestore: failed to delete %s: %v", filepath.Base(f), err)
			continue
		}
		count++
		if (i+1)%clearBatchSize == 0 {
			time.Sleep(clearBatchWait)
		}
	}
	return count, nil
}

// removeInsideRoot deletes a file after verifying its resolved path
// stays under the cache root.
func (p *PageStore) removeInsideRoot(path string) error {
	realRoot, err := filepath.Abs(p.root)
	if err != nil {
		return err
	}
	realPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(realPath, realRoot+string(filepath.Separator)) {
		return fmt.Errorf("pagestore: refusing to delete %s outside cache root", path)
	}

	p.mu.Lock()
	delete(p.existMemo, path)
	p.mu.Unlock()

	err = os.Remove(realPath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func isWritable(dir string) bool {
	probe, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return true
}
