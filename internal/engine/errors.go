package engine

import (
	"fmt"

	"github.com/vk/cellar/internal/model"
)

// SkippedError is reported for formulas that were never attempted because
// one of their dependencies failed or was itself skipped.
type SkippedError struct {
	Identity   model.Identity
	Dependency model.Identity
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("skipped %s due to dependency failure of %s", e.Identity, e.Dependency)
}
