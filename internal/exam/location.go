package exam

import (
	"fmt"
	"sort"
)

type Location struct {
	ID    LocationID
	Name  string
	Order int
}

// Catalog maps location ids to display metadata.
type Catalog map[LocationID]Location

func NewCatalog(locs ...Location) Catalog {
	c := make(Catalog, len(locs))
	for _, l := range locs {
		c[l.ID] = l
	}
	return c
}

// DefaultCatalog is the set of exam sites served by the national testing
// center's computerized exam network.
func DefaultCatalog() Catalog {
	return NewCatalog(
		Location{ID: 2, Name: "תל אביב", Order: 1},
		Location{ID: 5, Name: "באר שבע", Order: 2},
		Location{ID: 3, Name: "ירושלים", Order: 3},
		Location{ID: 1, Name: "חיפה", Order: 4},
	)
}

// Name returns the display name, or a placeholder naming the raw id.
func (c Catalog) Name(id LocationID) string {
	if l, ok := c[id]; ok && l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("עיר לא ידועה (%d)", id)
}

func (c Catalog) Known(id LocationID) bool {
	_, ok := c[id]
	return ok
}

// Ordered lists locations by display order, then id.
func (c Catalog) Ordered() []Location {
	out := make([]Location, 0, len(c))
	for _, l := range c {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}
