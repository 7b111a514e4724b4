// Copyright (C) 2022  Shanhu Tech Inc.
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the
// Free Software Foundation, either version 3 of the License, or (at your
// option) any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
// for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package kiln

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"shanhu.io/misc/errcode"
)

// ExitMeta records how the tool invocation that produced a cache entry
// went. It is kept for diagnostics only.
type ExitMeta struct {
	Code            int
	Duration        time.Duration
	StdoutTruncated bool `json:",omitempty"`
	StderrTruncated bool `json:",omitempty"`
	InvocationID    string

	// Requests are the digests of the process requests that ran, in order.
	Requests []Fingerprint `json:",omitempty"`
}

func (m *ExitMeta) add(req *ProcessRequest, res *ProcessResult) error {
	digest, err := req.Digest()
	if err != nil {
		return errcode.Annotate(err, "digest process request")
	}
	m.Requests = append(m.Requests, digest)
	m.Code = res.ExitCode
	m.Duration += res.Duration
	m.StdoutTruncated = m.StdoutTruncated || res.StdoutTruncated
	m.StderrTruncated = m.StderrTruncated || res.StderrTruncated
	return nil
}

// CacheEntry is the recorded output of a task for a fingerprint.
type CacheEntry struct {
	Fingerprint Fingerprint
	Kind        TargetKind

	// Artifacts of a code generation, sorted by path.
	Artifacts []*Artifact `json:",omitempty"`

	// Tree is the installed dependency tree directory, relative to the
	// cache directory.
	Tree string `json:",omitempty"`

	// Packages are the installed packages and their versions.
	Packages map[string]string `json:",omitempty"`

	Created time.Time
	Exit    *ExitMeta `json:",omitempty"`
}

func sameEntryContent(a, b *CacheEntry) bool {
	if a.Kind != b.Kind || a.Tree != b.Tree {
		return false
	}
	if !sameArtifacts(a.Artifacts, b.Artifacts) {
		return false
	}
	if len(a.Packages) != len(b.Packages) {
		return false
	}
	for k, v := range a.Packages {
		if bv, ok := b.Packages[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func sameArtifacts(a, b []*Artifact) bool {
	if len(a) != len(b) {
		return false
	}
	for i, x := range a {
		y := b[i]
		if x.Path != y.Path || !bytes.Equal(x.Content, y.Content) {
			return false
		}
	}
	return true
}

// Cache maps fingerprints to the outputs of previous task executions.
// There should be one Cache per build process; it is created with
// OpenCache at start and closed at the end.
//
// Lookups only read. Stores for the same fingerprint are serialized, and
// Do coalesces concurrent computations of the same fingerprint.
type Cache struct {
	dir     string
	store   *sqliteStore // nil when not persisted
	entries sync.Map     // Fingerprint -> *CacheEntry
	locks   sync.Map     // Fingerprint -> *sync.Mutex
	flight  singleflight.Group
	metrics *metrics
	now     func() time.Time
}

const cacheDBFile = "cache.db"

// OpenCache opens the persisted cache under dir, creating it if needed.
func OpenCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errcode.Annotate(err, "make cache dir")
	}
	store, err := openSqliteStore(filepath.Join(dir, cacheDBFile))
	if err != nil {
		return nil, errcode.Annotate(err, "open cache store")
	}
	c := NewCache(dir)
	c.store = store
	return c, nil
}

// NewCache creates a cache that keeps its index in memory only. Installed
// dependency trees are still placed under dir.
func NewCache(dir string) *Cache {
	return &Cache{
		dir:     dir,
		metrics: newMetrics(nil),
		now:     time.Now,
	}
}

// Close flushes and closes the persisted store.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.close()
}

// Lookup returns the entry of a fingerprint if there is one. It never
// waits for in-flight computations.
func (c *Cache) Lookup(fp Fingerprint) (*CacheEntry, bool) {
	if v, ok := c.entries.Load(fp); ok {
		return v.(*CacheEntry), true
	}
	if c.store == nil {
		return nil, false
	}

	entry, err := c.store.get(fp)
	if err != nil {
		log.Printf("cache read %s: %s", fp.Short(), err)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	v, _ := c.entries.LoadOrStore(fp, entry)
	return v.(*CacheEntry), true
}

func (c *Cache) lock(fp Fingerprint) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(fp, new(sync.Mutex))
	return v.(*sync.Mutex)
}

// Store records the entry for a fingerprint. Storing the same content
// again is a no-op that returns the existing entry; storing different
// content fails with CacheInconsistency.
func (c *Cache) Store(fp Fingerprint, entry *CacheEntry) (*CacheEntry, error) {
	mu := c.lock(fp)
	mu.Lock()
	defer mu.Unlock()

	if prev, ok := c.Lookup(fp); ok {
		if sameEntryContent(prev, entry) {
			return prev, nil
		}
		return nil, &Error{
			Kind: CacheInconsistency,
			Name: string(fp),
			Err:  errcode.Internalf("different content for the same fingerprint"),
		}
	}

	e := *entry
	e.Fingerprint = fp
	if e.Created.IsZero() {
		e.Created = c.now()
	}
	if c.store != nil {
		if err := c.store.put(&e); err != nil {
			return nil, errcode.Annotate(err, "persist entry")
		}
	}
	c.entries.Store(fp, &e)
	return &e, nil
}

// Evict drops the entry of a fingerprint. It is for entries whose on-disk
// content has been removed by someone else.
func (c *Cache) Evict(fp Fingerprint) error {
	mu := c.lock(fp)
	mu.Lock()
	defer mu.Unlock()

	c.entries.Delete(fp)
	if c.store != nil {
		return c.store.remove(fp)
	}
	return nil
}

type doResult struct {
	entry *CacheEntry
	hit   bool
}

// Do returns the entry of fp, computing it with f on a miss. Concurrent
// calls for the same fingerprint share one call of f, and all of them see
// its outcome. Failed computations are never stored. The returned bool
// reports a cache hit.
func (c *Cache) Do(
	ctx context.Context, fp Fingerprint,
	f func(ctx context.Context) (*CacheEntry, error),
) (*CacheEntry, bool, error) {
	if entry, ok := c.Lookup(fp); ok {
		c.metrics.hit()
		return entry, true, nil
	}

	for {
		ch := c.flight.DoChan(string(fp), func() (interface{}, error) {
			// Might have been stored by a flight that just landed.
			if entry, ok := c.Lookup(fp); ok {
				c.metrics.hit()
				return &doResult{entry: entry, hit: true}, nil
			}
			c.metrics.miss()
			entry, err := f(ctx)
			if err != nil {
				return nil, err
			}
			stored, err := c.Store(fp, entry)
			if err != nil {
				return nil, err
			}
			return &doResult{entry: stored}, nil
		})

		select {
		case res := <-ch:
			if res.Shared {
				c.metrics.coalesced.Inc()
			}
			if res.Err != nil {
				// A flight started by a caller that has since been
				// cancelled is not our failure; start a new one.
				if isContextErr(res.Err) && ctx.Err() == nil {
					continue
				}
				return nil, false, res.Err
			}
			r := res.Val.(*doResult)
			return r.entry, r.hit, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

const (
	cacheTreesDir = "trees"
	cacheTmpDir   = "tmp"
)

func treeRel(fp Fingerprint) string {
	return linuxPathJoin(cacheTreesDir, fp.Hex())
}

// Path returns the filesystem path of a path relative to the cache
// directory, such as CacheEntry.Tree.
func (c *Cache) Path(rel string) string {
	return filepath.Join(c.dir, filepath.FromSlash(rel))
}

// scratchDir creates a directory that is owned by a single tool
// invocation. It lives inside the cache directory so that it can be renamed
// into the trees directory.
func (c *Cache) scratchDir(prefix string) (dir, id string, err error) {
	id = uuid.NewString()
	dir = filepath.Join(c.dir, cacheTmpDir, prefix+"-"+id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", err
	}
	return dir, id, nil
}
