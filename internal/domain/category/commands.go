package category

// Create brings a category into existence. An empty Slug is derived from
// Name.
type Create struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	ParentID    string `json:"parent_id"`
	SortOrder   int    `json:"sort_order"`
}

func (Create) CommandName() string { return "CreateCategory" }
func (Create) CreatesAggregate() {}

// Update replaces the editable fields of a category
type Update struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	ParentID    string `json:"parent_id"`
	SortOrder   int    `json:"sort_order"`
}

func (Update) CommandName() string { return "UpdateCategory" }

// Delete marks a category deleted. Its history is kept.
type Delete struct{}

func (Delete) CommandName() string { return "DeleteCategory" }
