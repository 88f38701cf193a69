package query

import (
	"context"
	"errors"
	"testing"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/infrastructure/store/mocks"
	"github.com/example/eventcore/internal/permission"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/example/eventcore/internal/readmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = aggregate.User("alice")

// failingChecker fails every permission check
type failingChecker struct{}

func (failingChecker) HasPermission(ctx context.Context, p permission.Permission) (bool, error) {
	return false, errors.New("permission store unavailable")
}

func newTestQueryHandler(t *testing.T) (*Handler, *permission.Service) {
	t.Helper()
	readStore := mocks.NewMockReadStore()
	for _, c := range []CategoryReadModel{
		{ID: "cat-1", Name: "Electronics", SortOrder: 3, IsActive: true, Version: 1},
		{ID: "cat-2", Name: "Books", SortOrder: 1, IsActive: true, Version: 1},
		{ID: "cat-3", Name: "E-readers", ParentID: "cat-1", SortOrder: 2, IsActive: true, Version: 2},
		{ID: "cat-4", Name: "Archive", SortOrder: 4, IsActive: false, Version: 5},
	} {
		require.NoError(t, readStore.SetData("categories", c.ID, c.Version, c))
	}
	perms := permission.NewService(permission.NewMemoryStore(nil), logger.Nop())
	repo := readmodel.NewRepo[CategoryReadModel](readStore, "categories", logger.Nop())
	return NewHandler(repo, perms, logger.Nop()), perms
}

func grantRead(t *testing.T, perms *permission.Service, user, id string) {
	t.Helper()
	_, err := perms.AddPermissions(context.Background(), permission.Permission{
		Holder:   permission.User(user),
		Action:   permission.ActionRead,
		Resource: permission.Resource{Type: "category", ID: id},
	})
	require.NoError(t, err)
}

func ids(items []CategoryReadModel) []string {
	out := make([]string, len(items))
	for i, c := range items {
		out[i] = c.ID
	}
	return out
}

// ============================================
// GetCategory Tests
// ============================================

func TestHandler_GetCategory_Found(t *testing.T) {
	handler, perms := newTestQueryHandler(t)
	grantRead(t, perms, "alice", "cat-1")

	c, err := handler.GetCategory(context.Background(), alice, "cat-1")

	require.NoError(t, err)
	assert.Equal(t, "Electronics", c.Name)
}

func TestHandler_GetCategory_NotReadableLooksMissing(t *testing.T) {
	handler, _ := newTestQueryHandler(t)

	c, err := handler.GetCategory(context.Background(), alice, "cat-1")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, c)
}

func TestHandler_GetCategory_NotFound(t *testing.T) {
	handler, _ := newTestQueryHandler(t)

	_, err := handler.GetCategory(context.Background(), aggregate.System(), "missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================
// SearchCategories Tests
// ============================================

func TestHandler_SearchCategories(t *testing.T) {
	tests := []struct {
		name      string
		agent     aggregate.Agent
		grants    []string
		query     ListCategories
		wantIDs   []string
		wantTotal int
	}{
		{
			name:      "system sees everything",
			agent:     aggregate.System(),
			wantIDs:   []string{"cat-1", "cat-2", "cat-3", "cat-4"},
			wantTotal: 4,
		},
		{
			name:      "user sees granted instances",
			agent:     alice,
			grants:    []string{"cat-2", "cat-3"},
			wantIDs:   []string{"cat-2", "cat-3"},
			wantTotal: 2,
		},
		{
			name:      "wildcard grant",
			agent:     alice,
			grants:    []string{""},
			query:     ListCategories{ActiveOnly: true, SortBy: "sort_order"},
			wantIDs:   []string{"cat-2", "cat-3", "cat-1"},
			wantTotal: 3,
		},
		{
			name:      "children of a parent",
			agent:     alice,
			grants:    []string{""},
			query:     ListCategories{ParentID: "cat-1"},
			wantIDs:   []string{"cat-3"},
			wantTotal: 1,
		},
		{
			name:      "name prefix",
			agent:     alice,
			grants:    []string{""},
			query:     ListCategories{NamePrefix: "e", SortBy: "name"},
			wantIDs:   []string{"cat-3", "cat-1"},
			wantTotal: 2,
		},
		{
			name:      "paged by name",
			agent:     alice,
			grants:    []string{""},
			query:     ListCategories{SortBy: "name", Offset: 1, Limit: 2},
			wantIDs:   []string{"cat-2", "cat-3"},
			wantTotal: 4,
		},
		{
			name:      "anonymous sees nothing",
			agent:     aggregate.Anonymous(),
			wantIDs:   []string{},
			wantTotal: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, perms := newTestQueryHandler(t)
			for _, id := range tt.grants {
				grantRead(t, perms, "alice", id)
			}

			page, err := handler.SearchCategories(context.Background(), tt.agent, tt.query)

			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, ids(page.Items))
			assert.Equal(t, tt.wantTotal, page.Total)
		})
	}
}

func TestHandler_SearchCategories_PermissionError(t *testing.T) {
	readStore := mocks.NewMockReadStore()
	require.NoError(t, readStore.SetData("categories", "cat-1", 1, CategoryReadModel{ID: "cat-1", Name: "Electronics", Version: 1}))
	repo := readmodel.NewRepo[CategoryReadModel](readStore, "categories", logger.Nop())
	handler := NewHandler(repo, failingChecker{}, logger.Nop())

	_, err := handler.SearchCategories(context.Background(), alice, ListCategories{})

	assert.Error(t, err)
}
