package objcache

import (
	"context"
	"testing"
	"time"

	"github.com/zsiec/moqrelay/moq"
)

func TestDatagramCacheIDsMonotonicAndOrdered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCache(ctx, 0)
	key := Key{Session: 1, SubscribeID: 1}

	for i := uint64(0); i < 5; i++ {
		id, err := c.SetDatagramObject(ctx, key, moq.Object{GroupID: 0, ObjectID: i}, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if id != i {
			t.Fatalf("cache_id = %d, want %d", id, i)
		}
	}
}

func TestDatagramCacheRejectsSubgroupKind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCache(ctx, 0)
	key := Key{Session: 1, SubscribeID: 1}

	if err := c.CreateSubgroupStreamCache(ctx, key, SubgroupID{GroupID: 0, SubgroupID: 0}, moq.SubgroupHeader{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetDatagramObject(ctx, key, moq.Object{}, time.Minute); err != ErrWrongCacheKind {
		t.Fatalf("err = %v, want ErrWrongCacheKind", err)
	}
}

func TestGetAbsoluteDatagramObject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCache(ctx, 0)
	key := Key{Session: 1, SubscribeID: 1}

	if _, err := c.SetDatagramObject(ctx, key, moq.Object{GroupID: 1, ObjectID: 0}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetDatagramObject(ctx, key, moq.Object{GroupID: 1, ObjectID: 1}, time.Minute); err != nil {
		t.Fatal(err)
	}

	res, found, err := c.GetAbsoluteDatagramObject(ctx, key, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !found || res.Object.ObjectID != 1 {
		t.Fatalf("got %+v, found=%v", res, found)
	}

	_, found, err = c.GetAbsoluteDatagramObject(ctx, key, 9, 9)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected no match for a nonexistent group/object pair")
	}
}

func TestGetNextDatagramObjectSkipsEvictedHoles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCache(ctx, 0)
	key := Key{Session: 1, SubscribeID: 1}

	// Entry 0 expires immediately; entries 1 and 2 live.
	if _, err := c.SetDatagramObject(ctx, key, moq.Object{GroupID: 0, ObjectID: 0}, 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := c.SetDatagramObject(ctx, key, moq.Object{GroupID: 0, ObjectID: 1}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetDatagramObject(ctx, key, moq.Object{GroupID: 0, ObjectID: 2}, time.Minute); err != nil {
		t.Fatal(err)
	}

	res, found, err := c.GetNextDatagramObject(ctx, key, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !found || res.Object.ObjectID != 1 {
		t.Fatalf("expected next object after expired entry 0 to be object 1, got %+v found=%v", res, found)
	}
}

func TestGetLatestDatagramGroupLocatesGroupStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCache(ctx, 0)
	key := Key{Session: 1, SubscribeID: 1}

	for _, obj := range []moq.Object{
		{GroupID: 0, ObjectID: 0}, {GroupID: 0, ObjectID: 1},
		{GroupID: 1, ObjectID: 0}, {GroupID: 1, ObjectID: 1}, {GroupID: 1, ObjectID: 2},
	} {
		if _, err := c.SetDatagramObject(ctx, key, obj, time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	res, found, err := c.GetLatestDatagramGroup(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !found || res.Object.GroupID != 1 || res.Object.ObjectID != 0 {
		t.Fatalf("got %+v, found=%v", res, found)
	}
}

func TestSubgroupStreamLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCache(ctx, 0)
	key := Key{Session: 1, SubscribeID: 1}
	sgID := SubgroupID{GroupID: 0, SubgroupID: 0}

	if _, err := c.SetSubgroupStreamObject(ctx, key, sgID, moq.Object{}, time.Minute); err != ErrSubgroupNotCreated {
		t.Fatalf("err = %v, want ErrSubgroupNotCreated", err)
	}

	if err := c.CreateSubgroupStreamCache(ctx, key, sgID, moq.SubgroupHeader{TrackAlias: 9}); err != nil {
		t.Fatal(err)
	}
	for i := uint64(0); i < 3; i++ {
		if _, err := c.SetSubgroupStreamObject(ctx, key, sgID, moq.Object{ObjectID: i}, time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	first, found, err := c.GetFirstSubgroupStreamObject(ctx, key, sgID)
	if err != nil {
		t.Fatal(err)
	}
	if !found || first.Object.ObjectID != 0 {
		t.Fatalf("first = %+v", first)
	}

	latest, found, err := c.GetLatestSubgroupStreamObject(ctx, key, sgID)
	if err != nil {
		t.Fatal(err)
	}
	if !found || latest.Object.ObjectID != 2 {
		t.Fatalf("latest = %+v", latest)
	}

	ids, err := c.GetAllSubgroupIDs(ctx, key, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 0 {
		t.Fatalf("subgroup ids = %v", ids)
	}
}

func TestLargestGroupAndObjectID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCache(ctx, 0)
	key := Key{Session: 1, SubscribeID: 1}

	for _, obj := range []moq.Object{{GroupID: 0, ObjectID: 5}, {GroupID: 2, ObjectID: 1}, {GroupID: 2, ObjectID: 7}} {
		if _, err := c.SetDatagramObject(ctx, key, obj, time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	group, found, err := c.GetLargestGroupID(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !found || group != 2 {
		t.Fatalf("largest group = %d", group)
	}

	obj, found, err := c.GetLargestObjectID(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !found || obj != 7 {
		t.Fatalf("largest object = %d", obj)
	}
}

func TestCacheDeleteClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCache(ctx, 0)
	keyA := Key{Session: 1, SubscribeID: 1}
	keyB := Key{Session: 2, SubscribeID: 1}

	if _, err := c.SetDatagramObject(ctx, keyA, moq.Object{}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetDatagramObject(ctx, keyB, moq.Object{}, time.Minute); err != nil {
		t.Fatal(err)
	}

	removed, err := c.DeleteClient(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("expected removal")
	}

	_, found, err := c.GetLatestDatagramObject(ctx, keyA)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("session 1's cache should be gone")
	}

	_, found, err = c.GetLatestDatagramObject(ctx, keyB)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("session 2's cache should be untouched")
	}
}

func TestCacheCapacityEviction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCache(ctx, 2)
	key := Key{Session: 1, SubscribeID: 1}

	for i := uint64(0); i < 3; i++ {
		if _, err := c.SetDatagramObject(ctx, key, moq.Object{GroupID: 0, ObjectID: i}, time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	_, found, err := c.GetAbsoluteDatagramObject(ctx, key, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("oldest entry should have been evicted once capacity was exceeded")
	}

	res, found, err := c.GetLatestDatagramObject(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !found || res.Object.ObjectID != 2 {
		t.Fatalf("latest = %+v", res)
	}
}
