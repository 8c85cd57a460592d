package idgen_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/pkg/idgen"
)

func TestMustGenerateSortableID(t *testing.T) {
	prev := idgen.MustGenerateSortableID()
	for i := 0; i < 100; i++ {
		next := idgen.MustGenerateSortableID()
		_, err := ulid.ParseStrict(next)
		require.NoError(t, err)
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestNewCommandID(t *testing.T) {
	id := idgen.NewCommandID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, idgen.NewCommandID())
}
