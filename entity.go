package herald

import "github.com/xraph/herald/internal/entity"

// Entity is the timestamp block embedded by Herald domain objects.
type Entity = entity.Entity

// NewEntity returns an Entity with both timestamps set to the current UTC time.
func NewEntity() Entity {
	return entity.New()
}
