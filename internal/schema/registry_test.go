package schema_test

import (
	"context"
	"errors"
	"testing"

	"github.com/datastelsel/dsogateway/internal/schema"
	"github.com/datastelsel/dsogateway/internal/schema/schematest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// docsLoader serves fixed documents, optionally failing, to exercise the
// registry without touching the filesystem.
type docsLoader struct {
	docs [][]byte
	err  error
}

func (l *docsLoader) Load(_ context.Context) ([][]byte, error) {
	return l.docs, l.err
}

func TestBuildSnapshot(t *testing.T) {
	snap := schematest.NewSnapshot()

	ds := snap.Dataset("afvalwegingen")
	require.NotNil(t, ds)
	assert.Equal(t, "Afvalwegingen", ds.Title)
	assert.True(t, ds.Auth.IsEmpty(), "OPENBAAR datasets require no scope")
	assert.Same(t, ds, snap.DatasetByPath("afvalwegingen"))

	containers := snap.Table("afvalwegingen", "containers")
	require.NotNil(t, containers)
	assert.Equal(t, "afvalwegingen_containers", containers.DBName)
	assert.Equal(t, []string{"id"}, containers.Identifier)
	assert.False(t, containers.IsTemporal())

	cluster := containers.Field("cluster")
	require.NotNil(t, cluster)
	require.NotNil(t, cluster.Relation)
	assert.Equal(t, "afvalwegingen:clusters", cluster.Relation.String())
	assert.Equal(t, []string{"id"}, cluster.RelatedFieldIDs)

	geom := containers.Field("geometry")
	require.NotNil(t, geom)
	assert.Equal(t, schema.TypeGeoPoint, geom.Type)
	assert.Same(t, geom, containers.MainGeometry())
	assert.Equal(t, 7, geom.Zoom.Min)
}

func TestBuildSnapshotTemporal(t *testing.T) {
	snap := schematest.NewSnapshot()

	buurten := snap.Table("gebieden", "buurten")
	require.NotNil(t, buurten)
	require.True(t, buurten.IsTemporal())
	assert.Equal(t, "volgnummer", buurten.Temporal.SequenceField)
	dim, ok := buurten.Temporal.Dimensions["geldigOp"]
	require.True(t, ok)
	assert.Equal(t, "beginGeldigheid", dim.Start)
	assert.Equal(t, "eindGeldigheid", dim.End)

	ligtInWijk := buurten.Field("ligtInWijk")
	require.NotNil(t, ligtInWijk)
	assert.True(t, ligtInWijk.IsLooseRelation)

	wijken := snap.Table("gebieden", "wijken")
	require.NotNil(t, wijken)
	rel := wijken.AdditionalRelation("buurten")
	require.NotNil(t, rel)
	assert.True(t, rel.IsSummary())
	assert.Equal(t, "ligtInWijk", rel.FieldID)
}

func TestBuildSnapshotNestedTable(t *testing.T) {
	snap := schematest.NewSnapshot()

	pv := snap.Table("parkeervakken", "parkeervakken")
	require.NotNil(t, pv)
	assert.Equal(t, []string{"DATASET/SCOPE"}, pv.Dataset.Auth.Names())

	regimes := pv.Field("regimes")
	require.NotNil(t, regimes)
	assert.True(t, regimes.IsNestedTable)
	eindtijd := regimes.Subfield("eindtijd")
	require.NotNil(t, eindtijd)
	assert.Equal(t, schema.TypeTime, eindtijd.Type)
}

func TestBuildSnapshotAuthChain(t *testing.T) {
	snap := schematest.NewSnapshot()

	// Field auth unions with dataset/table auth: a public dataset with a
	// protected field still requires the field scope.
	url := snap.Table("movies", "movie").Field("url")
	require.NotNil(t, url)
	assert.Equal(t, []string{"FP/MDW"}, url.AuthChain().Names())

	// And a protected dataset dominates its public fields.
	soort := snap.Table("parkeervakken", "parkeervakken").Field("soort")
	require.NotNil(t, soort)
	assert.Equal(t, []string{"DATASET/SCOPE"}, soort.AuthChain().Names())
}

func TestBuildSnapshotDuplicateDataset(t *testing.T) {
	_, err := schema.BuildSnapshot([][]byte{
		[]byte(schematest.MoviesJSON),
		[]byte(schematest.MoviesJSON),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate dataset id")
}

func TestRegistryReloadKeepsOldSnapshotOnFailure(t *testing.T) {
	loader := &docsLoader{docs: schematest.AllDocuments()}
	reg, err := schema.NewRegistry(context.Background(), loader)
	require.NoError(t, err)

	before := reg.Current()
	require.NotNil(t, before.Dataset("movies"))

	loader.err = errors.New("schema server down")
	err = reg.Reload(context.Background())
	require.Error(t, err)

	// In-flight and new requests keep the previous catalog.
	assert.Same(t, before, reg.Current())
}

func TestRegistryReloadPublishesNewSnapshot(t *testing.T) {
	loader := &docsLoader{docs: [][]byte{[]byte(schematest.MoviesJSON)}}
	reg, err := schema.NewRegistry(context.Background(), loader)
	require.NoError(t, err)
	assert.Nil(t, reg.Current().Dataset("gebieden"))

	loader.docs = schematest.AllDocuments()
	require.NoError(t, reg.Reload(context.Background()))
	assert.NotNil(t, reg.Current().Dataset("gebieden"))
}

func TestNewRegistryFailsWhenSourceUnreachable(t *testing.T) {
	_, err := schema.NewRegistry(context.Background(), &docsLoader{err: errors.New("nope")})
	require.Error(t, err)
}
