package command

import (
	"github.com/example/eventcore/internal/domain/category"
	"github.com/example/eventcore/internal/permission"
)

// Category Commands
type CreateCategory struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	ParentID    string `json:"parent_id"`
	SortOrder   int    `json:"sort_order"`
}

type UpdateCategory struct {
	CategoryID      string `json:"category_id"`
	ExpectedVersion int    `json:"expected_version"`
	Name            string `json:"name"`
	Slug            string `json:"slug"`
	Description     string `json:"description"`
	ParentID        string `json:"parent_id"`
	SortOrder       int    `json:"sort_order"`
}

type DeleteCategory struct {
	CategoryID      string `json:"category_id"`
	ExpectedVersion int    `json:"expected_version"`
}

type CollapseCategory struct {
	CategoryID string `json:"category_id"`
}

// Permission Commands
type ShareCategory struct {
	CategoryID string            `json:"category_id"`
	Holder     permission.Holder `json:"holder"`
	Actions    []string          `json:"actions"`
}

type UnshareCategory struct {
	CategoryID string            `json:"category_id"`
	Holder     permission.Holder `json:"holder"`
	Actions    []string          `json:"actions"`
}

func (c CreateCategory) toDomain() category.Create {
	return category.Create{
		Name:        c.Name,
		Slug:        c.Slug,
		Description: c.Description,
		ParentID:    c.ParentID,
		SortOrder:   c.SortOrder,
	}
}

func (c UpdateCategory) toDomain() category.Update {
	return category.Update{
		Name:        c.Name,
		Slug:        c.Slug,
		Description: c.Description,
		ParentID:    c.ParentID,
		SortOrder:   c.SortOrder,
	}
}
