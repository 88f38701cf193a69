// Package category is the category aggregate: a named, slugged node of the
// catalog tree.
package category

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/example/eventcore/internal/domain/aggregate"
)

const AggregateType = "category"

var (
	ErrInvalidName   = errors.New("name is required")
	ErrInvalidSlug   = errors.New("invalid slug format")
	ErrInvalidParent = errors.New("category cannot be its own parent")
)

// slugRegex validates slug format (lowercase letters, numbers, hyphens)
var slugRegex = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

var (
	nonSlugChars = regexp.MustCompile(`[^a-z0-9-]`)
	hyphenRuns   = regexp.MustCompile(`-+`)
)

// Category is the state of one category
type Category struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Description string     `json:"description"`
	ParentID    string     `json:"parent_id,omitempty"`
	SortOrder   int        `json:"sort_order"`
	OwnerID     string     `json:"owner_id,omitempty"`
	Created     bool       `json:"created"`
	Deleted     bool       `json:"deleted"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

func (c *Category) Exists() bool { return c.Created }
func (c *Category) IsDeleted() bool { return c.Deleted }

// IsActive reports whether the category is visible in the catalog
func (c *Category) IsActive() bool { return c.Created && !c.Deleted }

// Definition implements aggregate.Definition for categories
type Definition struct {
	codec *aggregate.Codec
}

func NewDefinition() *Definition {
	return &Definition{
		codec: aggregate.NewCodec(AggregateType).Register(
			func() aggregate.Event { return &CategoryCreated{} },
			func() aggregate.Event { return &CategoryUpdated{} },
			func() aggregate.Event { return &CategoryDeleted{} },
		),
	}
}

func (d *Definition) Type() string { return AggregateType }
func (d *Definition) Codec() *aggregate.Codec { return d.codec }
func (d *Definition) New(id string) *Category { return &Category{ID: id} }

func (d *Definition) ApplyCommand(state *Category, cmd aggregate.Command, agent aggregate.Agent) (aggregate.Event, error) {
	switch c := cmd.(type) {
	case Create:
		name, slug, err := validate(state.ID, c.Name, c.Slug, c.ParentID)
		if err != nil {
			return nil, err
		}
		owner := ""
		if agent.IsUser() {
			owner = agent.ID
		}
		return &CategoryCreated{
			Name:        name,
			Slug:        slug,
			Description: c.Description,
			ParentID:    c.ParentID,
			SortOrder:   c.SortOrder,
			OwnerID:     owner,
		}, nil

	case Update:
		name, slug, err := validate(state.ID, c.Name, c.Slug, c.ParentID)
		if err != nil {
			return nil, err
		}
		evt := &CategoryUpdated{
			Name:        name,
			Slug:        slug,
			Description: c.Description,
			ParentID:    c.ParentID,
			SortOrder:   c.SortOrder,
		}
		if unchanged(state, evt) {
			return nil, nil
		}
		return evt, nil

	case Delete:
		return &CategoryDeleted{}, nil

	default:
		aggregate.UnknownCommand(d.Type(), cmd)
		return nil, nil
	}
}

func (d *Definition) ApplyEvent(state *Category, evt aggregate.Event, meta aggregate.EventMetadata) *Category {
	switch e := evt.(type) {
	case *CategoryCreated:
		state.Created = true
		state.Name = e.Name
		state.Slug = e.Slug
		state.Description = e.Description
		state.ParentID = e.ParentID
		state.SortOrder = e.SortOrder
		state.OwnerID = e.OwnerID
		state.CreatedAt = meta.Timestamp
		state.UpdatedAt = meta.Timestamp
	case *CategoryUpdated:
		state.Name = e.Name
		state.Slug = e.Slug
		state.Description = e.Description
		state.ParentID = e.ParentID
		state.SortOrder = e.SortOrder
		state.UpdatedAt = meta.Timestamp
	case *CategoryDeleted:
		deletedAt := meta.Timestamp
		state.Deleted = true
		state.DeletedAt = &deletedAt
		state.UpdatedAt = meta.Timestamp
	default:
		aggregate.UnknownEvent(d.Type(), evt)
	}
	return state
}

// Anonymize drops the link to the user who created the category
func (d *Definition) Anonymize(state *Category) *Category {
	state.OwnerID = ""
	return state
}

func validate(id, name, slug, parentID string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", ErrInvalidName
	}
	// Generate slug from name if not provided
	if slug == "" {
		slug = generateSlug(name)
	}
	if !slugRegex.MatchString(slug) {
		return "", "", ErrInvalidSlug
	}
	if parentID != "" && parentID == id {
		return "", "", ErrInvalidParent
	}
	return name, slug, nil
}

func unchanged(state *Category, e *CategoryUpdated) bool {
	return state.Name == e.Name &&
		state.Slug == e.Slug &&
		state.Description == e.Description &&
		state.ParentID == e.ParentID &&
		state.SortOrder == e.SortOrder
}

// generateSlug creates a URL-friendly slug from a name
func generateSlug(name string) string {
	slug := strings.ToLower(name)
	// Replace spaces and underscores with hyphens
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")
	slug = nonSlugChars.ReplaceAllString(slug, "")
	slug = hyphenRuns.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}
