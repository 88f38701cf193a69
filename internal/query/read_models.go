package query

import "github.com/example/eventcore/internal/readmodel"

// Re-export read models from readmodel package
type CategoryReadModel = readmodel.CategoryReadModel
