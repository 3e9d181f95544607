package instance

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a prefixed, globally unique id such as "inst-3f8a1c2d".
// Short enough to be usable in container and VM names, unique enough that
// the registry never needs to check for collisions in practice.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + raw[:12]
}
