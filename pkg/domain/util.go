package domain

import (
	"time"

	"github.com/plaenen/eventcore/pkg/idgen"
)

// TimeFunc is a function that returns the current time.
// This can be overridden for testing.
var TimeFunc = time.Now

// Now returns the current time using the configured TimeFunc.
func Now() time.Time {
	return TimeFunc()
}

// GenerateID generates a unique, time-sortable identifier.
func GenerateID() string {
	return idgen.MustGenerateSortableID()
}
