package serialize_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datastelsel/dsogateway/internal/auth"
	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/query"
	"github.com/datastelsel/dsogateway/internal/schema"
	"github.com/datastelsel/dsogateway/internal/schema/schematest"
	"github.com/datastelsel/dsogateway/internal/serialize"
)

const baseURL = "https://api.example/v1"

func newSerializer(t *testing.T, scopes ...string) (*serialize.Serializer, *schema.Snapshot) {
	t.Helper()
	snap := schematest.NewSnapshot()
	return &serialize.Serializer{
		Snapshot: snap,
		BaseURL:  baseURL,
		User:     auth.NewUserScopes(schema.NewScopeSet(scopes...), nil, nil),
		Gate:     &auth.Gate{},
		OutCRS:   crs.WGS84,
	}, snap
}

// wkbPoint encodes a little-endian WKB point.
func wkbPoint(x, y float64) []byte {
	buf := make([]byte, 21)
	buf[0] = 1 // little endian
	binary.LittleEndian.PutUint32(buf[1:], 1)
	binary.LittleEndian.PutUint64(buf[5:], math.Float64bits(x))
	binary.LittleEndian.PutUint64(buf[13:], math.Float64bits(y))
	return buf
}

func TestResourceLinksAndBody(t *testing.T) {
	s, snap := newSerializer(t)
	containers := snap.Table("afvalwegingen", "containers")

	row := query.Row{
		"id":           int64(7),
		"clusterId":    "c-101",
		"serienummer":  "SN-1",
		"eigenaarNaam": "Gemeente",
		"geometry":     wkbPoint(121000, 487000),
	}
	res, err := s.Resource(containers, row, nil)
	require.NoError(t, err)

	links := res["_links"].(map[string]any)
	self := links["self"].(map[string]any)
	assert.Equal(t, baseURL+"/afvalwegingen/containers/7/", self["href"])
	assert.Equal(t, "7", self["title"])
	assert.Equal(t, serialize.SchemaHost+"/datasets/afvalwegingen/dataset#containers", links["schema"])

	cluster := links["cluster"].(map[string]any)
	assert.Equal(t, baseURL+"/afvalwegingen/clusters/c-101/", cluster["href"])
	assert.Equal(t, "c-101", cluster["id"])

	assert.Equal(t, "SN-1", res["serienummer"])
	// The FK never appears in the body.
	assert.NotContains(t, res, "cluster")
	assert.NotContains(t, res, "clusterId")

	// RD storage comes out as WGS84 GeoJSON.
	geomJSON, err := res["geometry"].(interface{ MarshalJSON() ([]byte, error) }).MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(geomJSON), `"type":"Point"`)
	assert.Contains(t, string(geomJSON), "4.8")
	assert.Contains(t, string(geomJSON), "52.3")
}

func TestTemporalSelfLinkPinsSequence(t *testing.T) {
	s, snap := newSerializer(t)
	buurten := snap.Table("gebieden", "buurten")

	row := query.Row{
		"identificatie": "B-0078",
		"volgnummer":    int64(2),
		"naam":          "Jordaan",
		"ligtInWijkId":  "W-012",
	}
	res, err := s.Resource(buurten, row, nil)
	require.NoError(t, err)

	links := res["_links"].(map[string]any)
	self := links["self"].(map[string]any)
	assert.Equal(t, baseURL+"/gebieden/buurten/B-0078/?volgnummer=2", self["href"])
	assert.Equal(t, "B-0078", self["title"])

	// Loose relations link to the logical entity, not a pinned version.
	wijk := links["ligtInWijk"].(map[string]any)
	assert.Equal(t, baseURL+"/gebieden/wijken/W-012/", wijk["href"])
	assert.Equal(t, "W-012", wijk["identificatie"])
	assert.NotContains(t, wijk, "volgnummer")
}

func TestSummaryRelationRendersCount(t *testing.T) {
	s, snap := newSerializer(t)
	wijken := snap.Table("gebieden", "wijken")

	spec := query.ExpandSpec{
		Kind:   query.ExpandSummary,
		Name:   "buurten",
		Target: snap.Table("gebieden", "buurten"),
	}
	row := query.Row{
		"identificatie":  "W-012",
		"volgnummer":     int64(1),
		"naam":           "Centrum",
		"_embed:buurten": int64(14),
	}
	res, err := s.Resource(wijken, row, []query.ExpandSpec{spec})
	require.NoError(t, err)

	links := res["_links"].(map[string]any)
	summary := links["buurten"].(map[string]any)
	assert.Equal(t, int64(14), summary["count"])
	assert.Equal(t, baseURL+"/gebieden/buurten/?ligtInWijkId=W-012", summary["href"])
}

func TestNestedTableRendersInline(t *testing.T) {
	s, snap := newSerializer(t, "DATASET/SCOPE")
	vakken := snap.Table("parkeervakken", "parkeervakken")

	spec := query.ExpandSpec{Kind: query.ExpandNested, Name: "regimes"}
	row := query.Row{
		"id":    "pv-1",
		"soort": "fiscaal",
		"_embed:regimes": []query.Row{
			{"bord": "E6", "eindtijd": nil, "soort": "MULDER"},
			{"bord": "E7", "soort": "MULDER"},
		},
	}
	res, err := s.Resource(vakken, row, []query.ExpandSpec{spec})
	require.NoError(t, err)

	regimes := res["regimes"].([]map[string]any)
	require.Len(t, regimes, 2)
	assert.Equal(t, "E6", regimes[0]["bord"])
	assert.Nil(t, regimes[0]["eindtijd"])
}

func TestHiddenFieldOmitted(t *testing.T) {
	// The url field demands FP/MDW.
	s, snap := newSerializer(t)
	movie := snap.Table("movies", "movie")

	row := query.Row{"id": int64(1), "name": "Vertigo", "url": "https://example.com"}
	res, err := s.Resource(movie, row, nil)
	require.NoError(t, err)
	assert.NotContains(t, res, "url")

	granted, _ := newSerializer(t, "FP/MDW")
	res, err = granted.Resource(movie, row, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", res["url"])
}

func TestEmbeddedForwardRelation(t *testing.T) {
	s, snap := newSerializer(t)
	containers := snap.Table("afvalwegingen", "containers")

	spec := query.ExpandSpec{
		Kind:   query.ExpandForward,
		Name:   "cluster",
		Target: snap.Table("afvalwegingen", "clusters"),
	}
	row := query.Row{
		"id":        int64(7),
		"clusterId": "c-101",
		"_embed:cluster": query.Row{
			"id":     "c-101",
			"status": int64(3),
		},
	}
	res, err := s.Resource(containers, row, []query.ExpandSpec{spec})
	require.NoError(t, err)

	embedded := res["_embedded"].(map[string]any)
	cluster := embedded["cluster"].(map[string]any)
	assert.Equal(t, int64(3), cluster["status"])
	clusterLinks := cluster["_links"].(map[string]any)
	self := clusterLinks["self"].(map[string]any)
	assert.Equal(t, baseURL+"/afvalwegingen/clusters/c-101/", self["href"])
}

func TestPageHref(t *testing.T) {
	values := map[string][]string{"naam": {"x"}, "page": {"2"}}
	href := serialize.PageHref(baseURL+"/gebieden/buurten/", values, 3)
	assert.Contains(t, href, "page=3")
	assert.Contains(t, href, "naam=x")
}
