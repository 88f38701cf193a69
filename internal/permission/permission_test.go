package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grant(holder Holder, action, resourceType, resourceID string) Permission {
	return Permission{Holder: holder, Action: action, Resource: Resource{Type: resourceType, ID: resourceID}}
}

func newTestService() (*Service, *MemoryStore, *store.MemoryOutbox) {
	ob := store.NewMemoryOutbox()
	st := NewMemoryStore(ob)
	return NewService(st, logger.Nop()), st, ob
}

func decodeEntries(t *testing.T, entries []store.OutboxEntry) []Event {
	t.Helper()
	out := make([]Event, 0, len(entries))
	for _, e := range entries {
		evt, err := DecodeEvent(e.Payload)
		require.NoError(t, err)
		out = append(out, evt)
	}
	return out
}

// ============================================
// Permission Tests
// ============================================

func TestPermission_Validate(t *testing.T) {
	tests := []struct {
		name    string
		perm    Permission
		wantErr bool
	}{
		{name: "instance grant", perm: grant(User("u1"), ActionRead, "category", "c1")},
		{name: "wildcard grant", perm: grant(Group("editors"), ActionWrite, "category", "")},
		{name: "unknown holder type", perm: grant(Holder{Type: "robot", ID: "r1"}, ActionRead, "category", "c1"), wantErr: true},
		{name: "missing holder id", perm: grant(User(""), ActionRead, "category", "c1"), wantErr: true},
		{name: "missing action", perm: grant(User("u1"), "", "category", "c1"), wantErr: true},
		{name: "missing resource type", perm: grant(User("u1"), ActionRead, "", "c1"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.perm.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPermission)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPermission_String(t *testing.T) {
	assert.Equal(t, "user:u1 read category/c1", grant(User("u1"), ActionRead, "category", "c1").String())
	assert.Equal(t, "group:g1 write category/*", grant(Group("g1"), ActionWrite, "category", "").String())
}

func TestEventsFor_GroupsByResourceType(t *testing.T) {
	changed := []Permission{
		grant(User("u1"), ActionRead, "category", "c1"),
		grant(User("u1"), ActionRead, "product", "p1"),
		grant(User("u2"), ActionWrite, "category", ""),
	}

	entries, err := EventsFor(Added)(changed)

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "permissions.category", entries[0].Target)
	assert.Equal(t, "permissions.added", entries[0].RoutingKey)
	assert.Equal(t, "category", entries[0].Key)
	assert.Equal(t, "permissions.product", entries[1].Target)

	events := decodeEntries(t, entries)
	assert.Equal(t, Added, events[0].Type)
	assert.Len(t, events[0].Permissions, 2)
	assert.Len(t, events[1].Permissions, 1)
}

func TestEventsFor_NothingChanged(t *testing.T) {
	entries, err := EventsFor(Removed)(nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEvent_WireFormat(t *testing.T) {
	entries, err := EventsFor(Removed)([]Permission{grant(User("u1"), ActionRead, "category", "")})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.JSONEq(t,
		`{"type":"REMOVED","permissions":[{"holder":{"type":"user","id":"u1"},"action":"read","resource":{"type":"category"}}]}`,
		string(entries[0].Payload),
	)
}

func TestDecodeEvent_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `nope`},
		{name: "unknown type", payload: `{"type":"CHANGED","permissions":[]}`},
		{name: "missing type", payload: `{"permissions":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

// ============================================
// Service Tests
// ============================================

func TestService_HasPermission_Wildcard(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.AddPermissions(ctx, grant(User("u1"), ActionRead, "category", ""))
	require.NoError(t, err)

	ok, err := svc.HasPermission(ctx, grant(User("u1"), ActionRead, "category", "c42"))
	require.NoError(t, err)
	assert.True(t, ok, "type-level grant covers every instance")

	ok, err = svc.HasPermission(ctx, grant(User("u1"), ActionWrite, "category", "c42"))
	require.NoError(t, err)
	assert.False(t, ok, "other actions are not covered")

	ok, err = svc.HasPermission(ctx, grant(User("u1"), ActionRead, "product", "p1"))
	require.NoError(t, err)
	assert.False(t, ok, "other resource types are not covered")

	ok, err = svc.HasPermission(ctx, grant(User("u2"), ActionRead, "category", "c42"))
	require.NoError(t, err)
	assert.False(t, ok, "other holders are not covered")
}

func TestService_HasPermission_InstanceGrantDoesNotCoverType(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.AddPermissions(ctx, grant(User("u1"), ActionRead, "category", "c1"))
	require.NoError(t, err)

	ok, err := svc.HasPermission(ctx, grant(User("u1"), ActionRead, "category", "c1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasPermission(ctx, grant(User("u1"), ActionRead, "category", "c2"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.HasPermission(ctx, grant(User("u1"), ActionRead, "category", ""))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_AssertHasPermission(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.AddPermissions(ctx, grant(User("u1"), ActionWrite, "category", "c1"))
	require.NoError(t, err)

	assert.NoError(t, svc.AssertHasPermission(ctx, grant(User("u1"), ActionWrite, "category", "c1")))

	err = svc.AssertHasPermission(ctx, grant(User("u1"), ActionDelete, "category", "c1"))
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestService_AddPermissions_Idempotent(t *testing.T) {
	svc, _, ob := newTestService()
	ctx := context.Background()
	p := grant(User("u1"), ActionRead, "category", "c1")

	added, err := svc.AddPermissions(ctx, p, p)
	require.NoError(t, err)
	assert.Equal(t, []Permission{p}, added)
	require.Len(t, ob.Entries(), 1)

	added, err = svc.AddPermissions(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Len(t, ob.Entries(), 1, "a grant that already exists is not announced again")
}

func TestService_AddPermissions_RejectsInvalid(t *testing.T) {
	svc, st, ob := newTestService()
	ctx := context.Background()

	_, err := svc.AddPermissions(ctx,
		grant(User("u1"), ActionRead, "category", "c1"),
		grant(User(""), ActionRead, "category", "c1"),
	)

	assert.ErrorIs(t, err, ErrInvalidPermission)
	perms, err := st.ListByHolder(ctx, User("u1"))
	require.NoError(t, err)
	assert.Empty(t, perms, "nothing is granted when any permission is invalid")
	assert.Empty(t, ob.Entries())
}

func TestService_RemovePermissionsByHolder(t *testing.T) {
	svc, _, ob := newTestService()
	ctx := context.Background()

	_, err := svc.AddPermissions(ctx,
		grant(User("u1"), ActionRead, "category", ""),
		grant(User("u1"), ActionWrite, "category", "c1"),
		grant(User("u1"), ActionRead, "product", "p1"),
		grant(User("u2"), ActionRead, "category", "c1"),
	)
	require.NoError(t, err)
	before := len(ob.Entries())

	removed, err := svc.RemovePermissionsByHolder(ctx, User("u1"))

	require.NoError(t, err)
	assert.Len(t, removed, 3)
	for _, p := range []Permission{
		grant(User("u1"), ActionRead, "category", "c9"),
		grant(User("u1"), ActionWrite, "category", "c1"),
		grant(User("u1"), ActionRead, "product", "p1"),
	} {
		ok, err := svc.HasPermission(ctx, p)
		require.NoError(t, err)
		assert.False(t, ok, p.String())
	}
	ok, err := svc.HasPermission(ctx, grant(User("u2"), ActionRead, "category", "c1"))
	require.NoError(t, err)
	assert.True(t, ok, "other holders keep their grants")

	emitted := decodeEntries(t, ob.Entries()[before:])
	require.Len(t, emitted, 2, "one event per resource type")
	total := 0
	for _, evt := range emitted {
		assert.Equal(t, Removed, evt.Type)
		total += len(evt.Permissions)
	}
	assert.Equal(t, 3, total)
}

func TestService_RemovePermissionsByResource(t *testing.T) {
	svc, _, ob := newTestService()
	ctx := context.Background()

	_, err := svc.AddPermissions(ctx,
		grant(User("u1"), ActionRead, "category", "c1"),
		grant(Group("editors"), ActionWrite, "category", "c1"),
		grant(User("u1"), ActionRead, "category", "c2"),
		grant(User("u3"), ActionRead, "category", ""),
	)
	require.NoError(t, err)
	before := len(ob.Entries())

	removed, err := svc.RemovePermissionsByResource(ctx, Resource{Type: "category", ID: "c1"})

	require.NoError(t, err)
	assert.Len(t, removed, 2)
	ok, err := svc.HasPermission(ctx, grant(User("u1"), ActionRead, "category", "c2"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.HasPermission(ctx, grant(User("u3"), ActionRead, "category", "c1"))
	require.NoError(t, err)
	assert.True(t, ok, "type-level grants survive instance removal")

	emitted := decodeEntries(t, ob.Entries()[before:])
	require.Len(t, emitted, 1)
	assert.ElementsMatch(t, removed, emitted[0].Permissions)
}

func TestService_RemovePermissions_EmitsOnlyRemovedRows(t *testing.T) {
	svc, _, ob := newTestService()
	ctx := context.Background()
	held := grant(User("u1"), ActionRead, "category", "c1")

	_, err := svc.AddPermissions(ctx, held)
	require.NoError(t, err)
	before := len(ob.Entries())

	removed, err := svc.RemovePermissions(ctx, held, grant(User("u1"), ActionWrite, "category", "c1"))

	require.NoError(t, err)
	assert.Equal(t, []Permission{held}, removed)
	emitted := decodeEntries(t, ob.Entries()[before:])
	require.Len(t, emitted, 1)
	assert.Equal(t, []Permission{held}, emitted[0].Permissions)

	removed, err = svc.RemovePermissions(ctx, held)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Len(t, ob.Entries(), before+1, "removing nothing emits nothing")
}

func TestService_OutboxFailureLeavesGrantsUntouched(t *testing.T) {
	st := NewMemoryStore(store.NewMemoryOutbox())
	ctx := context.Background()
	p := grant(User("u1"), ActionRead, "category", "c1")

	_, err := st.Add(ctx, []Permission{p}, func([]Permission) ([]store.OutboxEntry, error) {
		return nil, errors.New("encode failed")
	})

	require.Error(t, err)
	ok, err := st.Has(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_PermissionsOf(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.AddPermissions(ctx,
		grant(User("u1"), ActionWrite, "category", "c1"),
		grant(User("u1"), ActionRead, "category", ""),
		grant(User("u2"), ActionRead, "category", "c1"),
	)
	require.NoError(t, err)

	perms, err := svc.PermissionsOf(ctx, User("u1"))

	require.NoError(t, err)
	assert.ElementsMatch(t, []Permission{
		grant(User("u1"), ActionWrite, "category", "c1"),
		grant(User("u1"), ActionRead, "category", ""),
	}, perms)
}
