package category

const (
	EventCategoryCreated = "CategoryCreated"
	EventCategoryUpdated = "CategoryUpdated"
	EventCategoryDeleted = "CategoryDeleted"
)

// CategoryCreated is emitted when a new category is created
type CategoryCreated struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	ParentID    string `json:"parent_id,omitempty"`
	SortOrder   int    `json:"sort_order"`
	OwnerID     string `json:"owner_id,omitempty"`
}

func (*CategoryCreated) EventName() string { return EventCategoryCreated }

// CategoryUpdated is emitted when a category is updated
type CategoryUpdated struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	ParentID    string `json:"parent_id,omitempty"`
	SortOrder   int    `json:"sort_order"`
}

func (*CategoryUpdated) EventName() string { return EventCategoryUpdated }

// CategoryDeleted is emitted when a category is deleted
type CategoryDeleted struct{}

func (*CategoryDeleted) EventName() string { return EventCategoryDeleted }
