package objcache

import (
	"context"
	"sort"
	"time"

	"github.com/zsiec/moqrelay/moq"
)

// DefaultCapacity bounds each datagram or subgroup-stream cache at 100,000
// entries, matching this relay's default.
const DefaultCapacity = 100_000

// Key identifies one upstream subscription's cache.
type Key struct {
	Session     uint64
	SubscribeID uint64
}

type kind int

const (
	kindUnset kind = iota
	kindDatagram
	kindSubgroup
)

type entry struct {
	cacheID uint64
	obj     moq.Object
	expiry  time.Time
}

// entryLog is the TTL-bounded, size-bounded, monotonically-keyed append log
// shared by the datagram cache and every subgroup stream cache.
type entryLog struct {
	entries  []entry
	nextID   uint64
	capacity int
}

func newEntryLog(capacity int) *entryLog {
	return &entryLog{capacity: capacity}
}

func (l *entryLog) append(obj moq.Object, ttl time.Duration, now time.Time) uint64 {
	id := l.nextID
	l.nextID++
	l.entries = append(l.entries, entry{cacheID: id, obj: obj, expiry: now.Add(ttl)})
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	return id
}

func (l *entryLog) live(e entry, now time.Time) bool {
	return now.Before(e.expiry)
}

func (l *entryLog) absolute(groupID, objectID uint64, now time.Time) (entry, bool) {
	for _, e := range l.entries {
		if !l.live(e, now) {
			continue
		}
		if e.obj.GroupID == groupID && e.obj.ObjectID == objectID {
			return e, true
		}
	}
	return entry{}, false
}

func (l *entryLog) absoluteOrNext(objectID uint64, now time.Time) (entry, bool) {
	for _, e := range l.entries {
		if !l.live(e, now) {
			continue
		}
		if e.obj.ObjectID >= objectID {
			return e, true
		}
	}
	return entry{}, false
}

func (l *entryLog) next(cacheID uint64, now time.Time) (entry, bool) {
	for _, e := range l.entries {
		if !l.live(e, now) {
			continue
		}
		if e.cacheID > cacheID {
			return e, true
		}
	}
	return entry{}, false
}

func (l *entryLog) latest(now time.Time) (entry, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.live(l.entries[i], now) {
			return l.entries[i], true
		}
	}
	return entry{}, false
}

func (l *entryLog) first(now time.Time) (entry, bool) {
	for _, e := range l.entries {
		if l.live(e, now) {
			return e, true
		}
	}
	return entry{}, false
}

type subgroupStream struct {
	header moq.SubgroupHeader
	log    *entryLog
}

type keyCache struct {
	kind      kind
	capacity  int
	datagram  *entryLog
	subgroups map[SubgroupID]*subgroupStream
}

// SubgroupID keys a subgroup's stream cache within one upstream
// subscription; it is not part of the wire protocol.
type SubgroupID struct {
	GroupID    uint64
	SubgroupID uint64
}

func newKeyCache(capacity int) *keyCache {
	return &keyCache{capacity: capacity, subgroups: make(map[SubgroupID]*subgroupStream)}
}

// Cache is the object cache storage: a single owner goroutine serializing
// every mutation and retrieval behind a command channel.
type Cache struct {
	cmdCh      chan func()
	keys       map[Key]*keyCache
	defaultCap int
	now        func() time.Time
}

// NewCache starts the owner goroutine with the given default per-cache
// capacity (DefaultCapacity if zero) and returns a handle to it. The
// goroutine exits when ctx is cancelled.
func NewCache(ctx context.Context, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		cmdCh:      make(chan func(), 64),
		keys:       make(map[Key]*keyCache),
		defaultCap: capacity,
		now:        time.Now,
	}
	go c.run(ctx)
	return c
}

func (c *Cache) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmdCh:
			cmd()
		}
	}
}

func (c *Cache) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case c.cmdCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) entryFor(key Key) *keyCache {
	kc, ok := c.keys[key]
	if !ok {
		kc = newKeyCache(c.defaultCap)
		c.keys[key] = kc
	}
	return kc
}

// SetDatagramObject appends obj to key's datagram cache with the next
// cache_id, expiring after ttl.
func (c *Cache) SetDatagramObject(ctx context.Context, key Key, obj moq.Object, ttl time.Duration) (uint64, error) {
	var id uint64
	var outErr error
	err := c.call(ctx, func() {
		kc := c.entryFor(key)
		if kc.kind == kindSubgroup {
			outErr = ErrWrongCacheKind
			return
		}
		kc.kind = kindDatagram
		if kc.datagram == nil {
			kc.datagram = newEntryLog(kc.capacity)
		}
		id = kc.datagram.append(obj, ttl, c.now())
	})
	if err != nil {
		return 0, err
	}
	return id, outErr
}

// CreateSubgroupStreamCache installs the stream cache for (group, subgroup)
// if absent, recording header.
func (c *Cache) CreateSubgroupStreamCache(ctx context.Context, key Key, sgID SubgroupID, header moq.SubgroupHeader) error {
	var outErr error
	err := c.call(ctx, func() {
		kc := c.entryFor(key)
		if kc.kind == kindDatagram {
			outErr = ErrWrongCacheKind
			return
		}
		kc.kind = kindSubgroup
		if _, ok := kc.subgroups[sgID]; !ok {
			kc.subgroups[sgID] = &subgroupStream{header: header, log: newEntryLog(kc.capacity)}
		}
	})
	if err != nil {
		return err
	}
	return outErr
}

// SetSubgroupStreamObject appends obj into the named subgroup's stream,
// which must already have been created.
func (c *Cache) SetSubgroupStreamObject(ctx context.Context, key Key, sgID SubgroupID, obj moq.Object, ttl time.Duration) (uint64, error) {
	var id uint64
	var outErr error
	err := c.call(ctx, func() {
		kc := c.entryFor(key)
		sg, ok := kc.subgroups[sgID]
		if !ok {
			outErr = ErrSubgroupNotCreated
			return
		}
		id = sg.log.append(obj, ttl, c.now())
	})
	if err != nil {
		return 0, err
	}
	return id, outErr
}

// Result is a single retrieval hit: a cache_id paired with its object.
type Result struct {
	CacheID uint64
	Object  moq.Object
}

func fromEntry(e entry) Result { return Result{CacheID: e.cacheID, Object: e.obj} }

// GetAbsoluteDatagramObject scans for the first datagram entry with
// matching group/object ids.
func (c *Cache) GetAbsoluteDatagramObject(ctx context.Context, key Key, groupID, objectID uint64) (Result, bool, error) {
	return c.readDatagram(ctx, key, func(l *entryLog, now time.Time) (entry, bool) {
		return l.absolute(groupID, objectID, now)
	})
}

// GetNextDatagramObject returns the datagram entry immediately following
// cacheID.
func (c *Cache) GetNextDatagramObject(ctx context.Context, key Key, cacheID uint64) (Result, bool, error) {
	return c.readDatagram(ctx, key, func(l *entryLog, now time.Time) (entry, bool) {
		return l.next(cacheID, now)
	})
}

// GetLatestDatagramObject returns the most recently inserted datagram
// entry.
func (c *Cache) GetLatestDatagramObject(ctx context.Context, key Key) (Result, bool, error) {
	return c.readDatagram(ctx, key, func(l *entryLog, now time.Time) (entry, bool) {
		return l.latest(now)
	})
}

// GetLatestDatagramGroup returns the smallest-object_id entry in the
// highest group_id currently present, locating the start of the latest
// complete-or-in-progress group.
func (c *Cache) GetLatestDatagramGroup(ctx context.Context, key Key) (Result, bool, error) {
	return c.readDatagram(ctx, key, func(l *entryLog, now time.Time) (entry, bool) {
		var highestGroup uint64
		haveGroup := false
		for _, e := range l.entries {
			if !l.live(e, now) {
				continue
			}
			if !haveGroup || e.obj.GroupID > highestGroup {
				highestGroup = e.obj.GroupID
				haveGroup = true
			}
		}
		if !haveGroup {
			return entry{}, false
		}
		var best entry
		found := false
		for _, e := range l.entries {
			if !l.live(e, now) || e.obj.GroupID != highestGroup {
				continue
			}
			if !found || e.obj.ObjectID < best.obj.ObjectID {
				best = e
				found = true
			}
		}
		return best, found
	})
}

func (c *Cache) readDatagram(ctx context.Context, key Key, fn func(*entryLog, time.Time) (entry, bool)) (Result, bool, error) {
	var res Result
	var found bool
	err := c.call(ctx, func() {
		kc, ok := c.keys[key]
		if !ok || kc.datagram == nil {
			return
		}
		if e, ok := fn(kc.datagram, c.now()); ok {
			res, found = fromEntry(e), true
		}
	})
	return res, found, err
}

// GetAbsoluteOrNextSubgroupStreamObject returns the first entry in the
// named subgroup with object_id >= requested.
func (c *Cache) GetAbsoluteOrNextSubgroupStreamObject(ctx context.Context, key Key, sgID SubgroupID, objectID uint64) (Result, bool, error) {
	return c.readSubgroup(ctx, key, sgID, func(l *entryLog, now time.Time) (entry, bool) {
		return l.absoluteOrNext(objectID, now)
	})
}

// GetNextSubgroupStreamObject returns the entry immediately following
// cacheID in the named subgroup.
func (c *Cache) GetNextSubgroupStreamObject(ctx context.Context, key Key, sgID SubgroupID, cacheID uint64) (Result, bool, error) {
	return c.readSubgroup(ctx, key, sgID, func(l *entryLog, now time.Time) (entry, bool) {
		return l.next(cacheID, now)
	})
}

// GetLatestSubgroupStreamObject returns the most recently inserted entry
// in the named subgroup.
func (c *Cache) GetLatestSubgroupStreamObject(ctx context.Context, key Key, sgID SubgroupID) (Result, bool, error) {
	return c.readSubgroup(ctx, key, sgID, func(l *entryLog, now time.Time) (entry, bool) {
		return l.latest(now)
	})
}

// GetFirstSubgroupStreamObject returns the first inserted entry of the
// named subgroup.
func (c *Cache) GetFirstSubgroupStreamObject(ctx context.Context, key Key, sgID SubgroupID) (Result, bool, error) {
	return c.readSubgroup(ctx, key, sgID, func(l *entryLog, now time.Time) (entry, bool) {
		return l.first(now)
	})
}

func (c *Cache) readSubgroup(ctx context.Context, key Key, sgID SubgroupID, fn func(*entryLog, time.Time) (entry, bool)) (Result, bool, error) {
	var res Result
	var found bool
	err := c.call(ctx, func() {
		kc, ok := c.keys[key]
		if !ok {
			return
		}
		sg, ok := kc.subgroups[sgID]
		if !ok {
			return
		}
		if e, ok := fn(sg.log, c.now()); ok {
			res, found = fromEntry(e), true
		}
	})
	return res, found, err
}

// GetAllSubgroupIDs returns the sorted ascending subgroup ids present for
// groupID.
func (c *Cache) GetAllSubgroupIDs(ctx context.Context, key Key, groupID uint64) ([]uint64, error) {
	var out []uint64
	err := c.call(ctx, func() {
		kc, ok := c.keys[key]
		if !ok {
			return
		}
		for sgID := range kc.subgroups {
			if sgID.GroupID == groupID {
				out = append(out, sgID.SubgroupID)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	})
	return out, err
}

// GetLargestGroupID returns the largest group_id currently present across
// either cache kind for key.
func (c *Cache) GetLargestGroupID(ctx context.Context, key Key) (uint64, bool, error) {
	var largest uint64
	var found bool
	err := c.call(ctx, func() {
		kc, ok := c.keys[key]
		if !ok {
			return
		}
		now := c.now()
		consider := func(g uint64) {
			if !found || g > largest {
				largest, found = g, true
			}
		}
		if kc.datagram != nil {
			for _, e := range kc.datagram.entries {
				if kc.datagram.live(e, now) {
					consider(e.obj.GroupID)
				}
			}
		}
		for sgID, sg := range kc.subgroups {
			if len(sg.log.entries) > 0 {
				consider(sgID.GroupID)
			}
		}
	})
	return largest, found, err
}

// GetLargestObjectID returns the largest object_id within the largest
// group_id present for key, used together with GetLargestGroupID to fill
// SUBSCRIBE_OK's content_exists fields.
func (c *Cache) GetLargestObjectID(ctx context.Context, key Key) (uint64, bool, error) {
	groupID, found, err := c.GetLargestGroupID(ctx, key)
	if err != nil || !found {
		return 0, found, err
	}

	var largest uint64
	var haveObj bool
	err = c.call(ctx, func() {
		kc, ok := c.keys[key]
		if !ok {
			return
		}
		now := c.now()
		if kc.datagram != nil {
			for _, e := range kc.datagram.entries {
				if kc.datagram.live(e, now) && e.obj.GroupID == groupID {
					if !haveObj || e.obj.ObjectID > largest {
						largest, haveObj = e.obj.ObjectID, true
					}
				}
			}
		}
		for sgID, sg := range kc.subgroups {
			if sgID.GroupID != groupID {
				continue
			}
			for _, e := range sg.log.entries {
				if sg.log.live(e, now) {
					if !haveObj || e.obj.ObjectID > largest {
						largest, haveObj = e.obj.ObjectID, true
					}
				}
			}
		}
	})
	return largest, haveObj, err
}

// Kind reports whether key's cache currently holds datagram or
// subgroup-stream objects, or "" if nothing has been cached for key yet.
func (c *Cache) Kind(ctx context.Context, key Key) (string, error) {
	var k string
	err := c.call(ctx, func() {
		kc, ok := c.keys[key]
		if !ok {
			return
		}
		switch kc.kind {
		case kindDatagram:
			k = "datagram"
		case kindSubgroup:
			k = "subgroup"
		}
	})
	return k, err
}

// DeleteClient drops every cache whose key's session matches.
func (c *Cache) DeleteClient(ctx context.Context, session uint64) (bool, error) {
	var removed bool
	err := c.call(ctx, func() {
		for key := range c.keys {
			if key.Session == session {
				delete(c.keys, key)
				removed = true
			}
		}
	})
	return removed, err
}
