package forward

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/moqrelay/metrics"
	"github.com/zsiec/moqrelay/moq"
	"github.com/zsiec/moqrelay/objcache"
	"github.com/zsiec/moqrelay/relayctl"
)

// fakeSubgroupWriter records the objects written to one fake subgroup
// stream and whether it was closed.
type fakeSubgroupWriter struct {
	mu     sync.Mutex
	hdr    moq.SubgroupHeader
	objs   []moq.Object
	closed bool
}

func (w *fakeSubgroupWriter) WriteObject(obj moq.Object) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objs = append(w.objs, obj)
	return nil
}

func (w *fakeSubgroupWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// fakeSender is an in-memory ObjectSender recording every datagram sent and
// every subgroup stream opened.
type fakeSender struct {
	mu        sync.Mutex
	datagrams []moq.Object
	streams   []*fakeSubgroupWriter
}

func (s *fakeSender) SendDatagram(_ context.Context, obj moq.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datagrams = append(s.datagrams, obj)
	return nil
}

func (s *fakeSender) OpenSubgroupStream(_ context.Context, hdr moq.SubgroupHeader) (SubgroupWriter, error) {
	w := &fakeSubgroupWriter{hdr: hdr}
	s.mu.Lock()
	s.streams = append(s.streams, w)
	s.mu.Unlock()
	return w, nil
}

func (s *fakeSender) datagramCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.datagrams)
}

// fakeDispatcher records every control message sent to a session, used to
// assert SUBSCRIBE_DONE is dispatched on forwarder termination.
type fakeDispatcher struct {
	mu   sync.Mutex
	sent []struct {
		session uint64
		msgType uint64
		payload []byte
	}
}

func (d *fakeDispatcher) Send(_ context.Context, session uint64, msgType uint64, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, struct {
		session uint64
		msgType uint64
		payload []byte
	}{session, msgType, payload})
	return nil
}

func (d *fakeDispatcher) subscribeDones() []moq.SubscribeDone {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []moq.SubscribeDone
	for _, s := range d.sent {
		if s.msgType != moq.MsgSubscribeDone {
			continue
		}
		sd, err := moq.ParseSubscribeDone(s.payload)
		if err != nil {
			continue
		}
		out = append(out, sd)
	}
	return out
}

var _ relayctl.Dispatcher = (*fakeDispatcher)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestForwarderDatagramTailsLatestObject(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := objcache.NewCache(ctx, 0)
	key := objcache.Key{Session: 1, SubscribeID: 0}
	if _, err := cache.SetDatagramObject(ctx, key, moq.Object{GroupID: 5, ObjectID: 7, Payload: []byte{0xDE, 0xAD}}, time.Minute); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	f := &Forwarder{
		cache: cache, sender: sender, metrics: metrics.New(), logger: testLogger(),
		interval: time.Millisecond,
		req: relayctl.ForwardRequest{
			DownstreamSession: 2, DownstreamSubscribeID: 0, DownstreamTrackAlias: 0,
			UpstreamSession: 1, UpstreamSubscribeID: 0,
			Subscribe: moq.Subscribe{FilterType: moq.FilterLatestObject},
		},
	}

	runCtx, runCancel := context.WithCancel(ctx)
	go f.run(runCtx)
	defer runCancel()

	waitFor(t, time.Second, func() bool { return sender.datagramCount() == 1 })
	if sender.datagrams[0].GroupID != 5 || sender.datagrams[0].ObjectID != 7 {
		t.Fatalf("forwarded object = %+v", sender.datagrams[0])
	}
	if sender.datagrams[0].TrackAlias != 0 {
		t.Fatalf("expected re-framed track alias 0, got %d", sender.datagrams[0].TrackAlias)
	}
}

func TestForwarderAbsoluteRangeCompletesAndSendsSubscribeDone(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := objcache.NewCache(ctx, 0)
	key := objcache.Key{Session: 1, SubscribeID: 0}
	for g := uint64(0); g <= 5; g++ {
		for o := uint64(0); o <= 9; o++ {
			if _, err := cache.SetDatagramObject(ctx, key, moq.Object{GroupID: g, ObjectID: o}, time.Minute); err != nil {
				t.Fatal(err)
			}
		}
	}

	sender := &fakeSender{}
	dispatcher := &fakeDispatcher{}
	f := &Forwarder{
		cache: cache, sender: sender, dispatch: dispatcher, metrics: metrics.New(), logger: testLogger(),
		interval: time.Millisecond,
		req: relayctl.ForwardRequest{
			DownstreamSession: 2, DownstreamSubscribeID: 3, DownstreamTrackAlias: 0,
			UpstreamSession: 1, UpstreamSubscribeID: 0,
			Subscribe: moq.Subscribe{
				FilterType: moq.FilterAbsoluteRange,
				StartGroup: 1, StartObject: 0,
				EndGroup: 2, EndObject: 3,
			},
		},
	}

	done := make(chan struct{})
	go func() {
		f.run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not terminate after exhausting its absolute range")
	}

	// Group 1: objects 0..9 (10 objects). Group 2: objects 0..3 (4 objects).
	if got := sender.datagramCount(); got != 14 {
		t.Fatalf("forwarded %d objects, want 14", got)
	}
	for _, obj := range sender.datagrams[:10] {
		if obj.GroupID != 1 {
			t.Fatalf("expected group 1 objects first, got %+v", obj)
		}
	}
	for _, obj := range sender.datagrams[10:] {
		if obj.GroupID != 2 || obj.ObjectID > 3 {
			t.Fatalf("expected group 2 objects 0..3, got %+v", obj)
		}
	}

	dones := dispatcher.subscribeDones()
	if len(dones) != 1 {
		t.Fatalf("got %d SUBSCRIBE_DONE messages, want 1", len(dones))
	}
	if dones[0].SubscribeID != 3 {
		t.Fatalf("SUBSCRIBE_DONE subscribe_id = %d, want downstream's 3", dones[0].SubscribeID)
	}
	if dones[0].StatusCode != moq.DoneRangeComplete {
		t.Fatalf("SUBSCRIBE_DONE status = %d, want DoneRangeComplete", dones[0].StatusCode)
	}
}

func TestForwarderSubgroupStreamGrouping(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := objcache.NewCache(ctx, 0)
	key := objcache.Key{Session: 1, SubscribeID: 0}
	sgID := objcache.SubgroupID{GroupID: 0, SubgroupID: 0}
	if err := cache.CreateSubgroupStreamCache(ctx, key, sgID, moq.SubgroupHeader{GroupID: 0, SubgroupID: 0}); err != nil {
		t.Fatal(err)
	}
	for i := uint64(0); i < 3; i++ {
		if _, err := cache.SetSubgroupStreamObject(ctx, key, sgID, moq.Object{GroupID: 0, ObjectID: i, Payload: []byte{byte(i)}}, time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	sender := &fakeSender{}
	f := &Forwarder{
		cache: cache, sender: sender, metrics: metrics.New(), logger: testLogger(),
		interval: time.Millisecond,
		req: relayctl.ForwardRequest{
			DownstreamSession: 2, DownstreamSubscribeID: 0, DownstreamTrackAlias: 9,
			UpstreamSession: 1, UpstreamSubscribeID: 0,
			Subscribe: moq.Subscribe{FilterType: moq.FilterLatestGroup},
		},
	}

	runCtx, runCancel := context.WithCancel(ctx)
	go f.run(runCtx)
	defer runCancel()

	waitFor(t, time.Second, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.streams) == 1 && len(sender.streams[0].objs) == 3
	})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	stream := sender.streams[0]
	for i, obj := range stream.objs {
		if obj.TrackAlias != 9 {
			t.Fatalf("object %d track_alias = %d, want 9", i, obj.TrackAlias)
		}
		if obj.ObjectID != uint64(i) {
			t.Fatalf("object %d id = %d, want %d", i, obj.ObjectID, i)
		}
	}
}

func TestForwarderEndOfGroupClosesStream(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := objcache.NewCache(ctx, 0)
	key := objcache.Key{Session: 1, SubscribeID: 0}
	sgID := objcache.SubgroupID{GroupID: 0, SubgroupID: 0}
	if err := cache.CreateSubgroupStreamCache(ctx, key, sgID, moq.SubgroupHeader{}); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.SetSubgroupStreamObject(ctx, key, sgID, moq.Object{GroupID: 0, ObjectID: 0}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.SetSubgroupStreamObject(ctx, key, sgID, moq.Object{GroupID: 0, ObjectID: 1, Status: moq.StatusEndOfGroup}, time.Minute); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	f := &Forwarder{
		cache: cache, sender: sender, metrics: metrics.New(), logger: testLogger(),
		interval: time.Millisecond,
		req: relayctl.ForwardRequest{
			DownstreamSession: 2, DownstreamSubscribeID: 0, DownstreamTrackAlias: 0,
			UpstreamSession: 1, UpstreamSubscribeID: 0,
			Subscribe: moq.Subscribe{FilterType: moq.FilterLatestGroup},
		},
	}

	runCtx, runCancel := context.WithCancel(ctx)
	go f.run(runCtx)
	defer runCancel()

	waitFor(t, time.Second, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.streams) == 1 && sender.streams[0].closed
	})
}
