package channel

import (
	"fmt"

	"codeberg.org/mutker/tamer/internal/types"
)

// RegisterArray registers every element of values as "prefix[i]" of type
// typeID, in index order. Elements are read in place like Stable, so the
// backing array must stay valid and must not be reallocated while
// registered; pass arr[:] for a Go array. Either all elements are
// registered or none are. An empty slice registers nothing.
func RegisterArray[T any](c *Channel, prefix, typeID string, values []T) ([]*Handle, error) {
	if len(values) == 0 {
		return nil, nil
	}

	names := make([]string, len(values))
	srcs := make([]Source, len(values))
	var d *types.Descriptor
	for i := range values {
		names[i] = fmt.Sprintf("%s[%d]", prefix, i)
		srcs[i] = Stable(&values[i])

		var err error
		if d, err = c.check(names[i], typeID, srcs[i]); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range names {
		if err := c.available(name); err != nil {
			return nil, err
		}
	}

	handles := make([]*Handle, len(values))
	for i, name := range names {
		h, err := c.add(name, d, srcs[i])
		if err != nil {
			return nil, err
		}
		handles[i] = h
	}
	return handles, nil
}
