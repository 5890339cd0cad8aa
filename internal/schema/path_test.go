package schema_test

import (
	"errors"
	"testing"

	"github.com/datastelsel/dsogateway/internal/schema"
	"github.com/datastelsel/dsogateway/internal/schema/schematest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFieldPathScalar(t *testing.T) {
	snap := schematest.NewSnapshot()
	containers := snap.Table("afvalwegingen", "containers")

	parts, err := snap.ResolveFieldPath(containers, []string{"serienummer"})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "serienummer", parts[0].Field.ID)
	assert.False(t, parts[0].IsMany)
}

func TestResolveFieldPathThroughRelation(t *testing.T) {
	snap := schematest.NewSnapshot()
	containers := snap.Table("afvalwegingen", "containers")

	parts, err := snap.ResolveFieldPath(containers, []string{"cluster", "status"})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "cluster", parts[0].Field.ID)
	assert.Equal(t, "status", parts[1].Field.ID)
	assert.Equal(t, "clusters", parts[1].Table.ID)
}

func TestResolveFieldPathLegacyIdSuffix(t *testing.T) {
	snap := schematest.NewSnapshot()
	containers := snap.Table("afvalwegingen", "containers")

	// "clusterId" addresses the FK column of the cluster relation.
	parts, err := snap.ResolveFieldPath(containers, []string{"clusterId"})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "cluster", parts[0].Field.ID)
	require.NotNil(t, parts[0].Field.Relation)
}

func TestResolveFieldPathNestedTable(t *testing.T) {
	snap := schematest.NewSnapshot()
	pv := snap.Table("parkeervakken", "parkeervakken")

	parts, err := snap.ResolveFieldPath(pv, []string{"regimes", "eindtijd"})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "regimes", parts[0].Field.ID)
	assert.Equal(t, schema.TypeTime, parts[1].Field.Type)
}

func TestResolveFieldPathReverseRelation(t *testing.T) {
	snap := schematest.NewSnapshot()
	wijken := snap.Table("gebieden", "wijken")

	parts, err := snap.ResolveFieldPath(wijken, []string{"buurten", "naam"})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].Reverse)
	assert.True(t, parts[0].IsMany)
	assert.Equal(t, "naam", parts[1].Field.ID)
	assert.Equal(t, "buurten", parts[1].Table.ID)
}

func TestResolveFieldPathErrors(t *testing.T) {
	snap := schematest.NewSnapshot()
	containers := snap.Table("afvalwegingen", "containers")

	_, err := snap.ResolveFieldPath(containers, []string{"bogus"})
	assert.True(t, errors.Is(err, schema.ErrFieldNotFound), "got %v", err)

	_, err = snap.ResolveFieldPath(containers, []string{"serienummer", "sub"})
	assert.True(t, errors.Is(err, schema.ErrNotARelation), "got %v", err)

	_, err = snap.ResolveFieldPath(containers, nil)
	assert.True(t, errors.Is(err, schema.ErrFieldNotFound), "got %v", err)
}
