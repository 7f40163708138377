package relation

import (
	"context"
	"testing"
)

func TestSetupRejectsDuplicateSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(ctx)

	if err := m.SetupPublisher(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.SetupPublisher(ctx, 1, 100); err != ErrSessionExists {
		t.Fatalf("err = %v, want ErrSessionExists", err)
	}
}

func TestAnnounceSingleOwnerPerNamespace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(ctx)

	if err := m.SetupPublisher(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.SetupPublisher(ctx, 2, 100); err != nil {
		t.Fatal(err)
	}

	ns := []string{"live", "room1"}
	if err := m.SetUpstreamAnnouncedNamespace(ctx, 1, ns); err != nil {
		t.Fatal(err)
	}
	if err := m.SetUpstreamAnnouncedNamespace(ctx, 2, ns); err != ErrNamespaceExists {
		t.Fatalf("err = %v, want ErrNamespaceExists", err)
	}

	owner, found, err := m.GetUpstreamSessionID(ctx, ns)
	if err != nil {
		t.Fatal(err)
	}
	if !found || owner != 1 {
		t.Fatalf("owner = %v, found = %v", owner, found)
	}
}

func TestPrefixOverlapRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(ctx)

	if err := m.SetupSubscriber(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.SetDownstreamSubscribedNamespacePrefix(ctx, 1, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetDownstreamSubscribedNamespacePrefix(ctx, 1, []string{"a"}); err != ErrPrefixOverlap {
		t.Fatalf("err = %v, want ErrPrefixOverlap", err)
	}
}

func TestSubscribeIDValidity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(ctx)

	if err := m.SetupSubscriber(ctx, 1, 2); err != nil {
		t.Fatal(err)
	}

	valid, err := m.IsValidDownstreamSubscribeID(ctx, 1, 0)
	if err != nil || !valid {
		t.Fatalf("id 0 valid = %v, err = %v", valid, err)
	}

	valid, err = m.IsValidDownstreamSubscribeID(ctx, 1, 2)
	if err != nil || valid {
		t.Fatalf("id == max_subscribe_id should be invalid, got %v", valid)
	}

	if err := m.SetDownstreamSubscription(ctx, 1, 0, 0, []string{"a"}, "t"); err != nil {
		t.Fatal(err)
	}
	valid, err = m.IsValidDownstreamSubscribeID(ctx, 1, 0)
	if err != nil || valid {
		t.Fatal("subscribe id already in use must be invalid")
	}
}

func TestTrackAliasAllocationLowestUnused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(ctx)

	if err := m.SetupPublisher(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}

	id1, alias1, err := m.SetUpstreamSubscription(ctx, 1, []string{"a"}, "x")
	if err != nil {
		t.Fatal(err)
	}
	if alias1 != 0 {
		t.Fatalf("first alias = %d, want 0", alias1)
	}

	id2, alias2, err := m.SetUpstreamSubscription(ctx, 1, []string{"a"}, "y")
	if err != nil {
		t.Fatal(err)
	}
	if alias2 != 1 {
		t.Fatalf("second alias = %d, want 1", alias2)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct subscribe ids, got %d and %d", id1, id2)
	}
}

func TestPubsubRelationAndActivation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(ctx)

	if err := m.SetupPublisher(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.SetupSubscriber(ctx, 2, 100); err != nil {
		t.Fatal(err)
	}

	upID, _, err := m.SetUpstreamSubscription(ctx, 1, []string{"a"}, "x")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetDownstreamSubscription(ctx, 2, 0, 0, []string{"a"}, "x"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPubsubRelation(ctx, 1, upID, 2, 0); err != nil {
		t.Fatal(err)
	}

	pending, err := m.GetRequestingDownstreamEndpoints(ctx, 1, upID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Session != 2 {
		t.Fatalf("pending = %+v", pending)
	}

	if err := m.ActivateUpstreamSubscription(ctx, 1, upID); err != nil {
		t.Fatal(err)
	}
	if err := m.ActivateDownstreamSubscription(ctx, 2, 0); err != nil {
		t.Fatal(err)
	}
	// Idempotent re-activation must not error.
	if err := m.ActivateDownstreamSubscription(ctx, 2, 0); err != nil {
		t.Fatal(err)
	}

	pending, err = m.GetRequestingDownstreamEndpoints(ctx, 1, upID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after activation = %+v, want empty", pending)
	}
}

func TestSetPubsubRelationRejectsUnknownEndpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(ctx)

	if err := m.SetupPublisher(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPubsubRelation(ctx, 1, 99, 2, 0); err != ErrSubscriptionNotFound {
		t.Fatalf("err = %v, want ErrSubscriptionNotFound", err)
	}
}

func TestUnsubscribeCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(ctx)

	if err := m.SetupPublisher(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.SetupSubscriber(ctx, 2, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.SetupSubscriber(ctx, 3, 100); err != nil {
		t.Fatal(err)
	}

	upID, _, err := m.SetUpstreamSubscription(ctx, 1, []string{"a"}, "x")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetDownstreamSubscription(ctx, 2, 0, 0, []string{"a"}, "x"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetDownstreamSubscription(ctx, 3, 0, 0, []string{"a"}, "x"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPubsubRelation(ctx, 1, upID, 2, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPubsubRelation(ctx, 1, upID, 3, 0); err != nil {
		t.Fatal(err)
	}

	_, empty, err := m.RemoveDownstreamEdge(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if empty {
		t.Fatal("upstream should still have one remaining downstream")
	}

	downs, err := m.GetAllDownstreamEndpoints(ctx, 1, upID)
	if err != nil {
		t.Fatal(err)
	}
	if len(downs) != 1 || downs[0].Session != 3 {
		t.Fatalf("remaining downstreams = %+v", downs)
	}

	_, empty, err = m.RemoveDownstreamEdge(ctx, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Fatal("upstream should be empty after last downstream leaves")
	}
}

func TestDeleteSubscriptionFreesIDsForReuse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(ctx)

	if err := m.SetupSubscriber(ctx, 2, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.SetDownstreamSubscription(ctx, 2, 0, 0, []string{"a"}, "x"); err != nil {
		t.Fatal(err)
	}

	if valid, err := m.IsValidDownstreamSubscribeID(ctx, 2, 0); err != nil {
		t.Fatal(err)
	} else if valid {
		t.Fatal("subscribe id 0 should be in use before deletion")
	}
	if valid, err := m.IsValidDownstreamTrackAlias(ctx, 2, 0); err != nil {
		t.Fatal(err)
	} else if valid {
		t.Fatal("track alias 0 should be in use before deletion")
	}

	if err := m.DeleteSubscription(ctx, 2, 0); err != nil {
		t.Fatal(err)
	}

	if valid, err := m.IsValidDownstreamSubscribeID(ctx, 2, 0); err != nil {
		t.Fatal(err)
	} else if !valid {
		t.Fatal("expected subscribe id 0 to be free for reuse after DeleteSubscription")
	}
	if valid, err := m.IsValidDownstreamTrackAlias(ctx, 2, 0); err != nil {
		t.Fatal(err)
	} else if !valid {
		t.Fatal("expected track alias 0 to be free for reuse after DeleteSubscription")
	}

	if err := m.DeleteSubscription(ctx, 2, 0); err == nil {
		t.Fatal("expected error deleting an already-deleted subscription")
	}
}

func TestDeleteClientCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(ctx)

	if err := m.SetupPublisher(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.SetUpstreamAnnouncedNamespace(ctx, 1, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	upID, _, err := m.SetUpstreamSubscription(ctx, 1, []string{"a"}, "x")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.SetupSubscriber(ctx, 2, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.SetDownstreamSubscription(ctx, 2, 0, 0, []string{"a"}, "x"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPubsubRelation(ctx, 1, upID, 2, 0); err != nil {
		t.Fatal(err)
	}

	removed, err := m.DeleteClient(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("expected removal")
	}

	_, found, err := m.GetUpstreamSessionID(ctx, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("namespace should no longer be announced after delete_client")
	}

	downs, err := m.GetAllDownstreamEndpoints(ctx, 1, upID)
	if err != nil {
		t.Fatal(err)
	}
	if len(downs) != 0 {
		t.Fatalf("edges should be gone after delete_client, got %+v", downs)
	}

	removed, err = m.DeleteClient(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Fatal("second delete_client on the same session should report nothing removed")
	}
}
