package filter_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/filter"
	"github.com/datastelsel/dsogateway/internal/schema"
	"github.com/datastelsel/dsogateway/internal/schema/schematest"
)

func field(t *testing.T, dataset, table, id string) *schema.Field {
	t.Helper()
	f := schematest.NewSnapshot().Table(dataset, table).Field(id)
	require.NotNil(t, f)
	return f
}

func TestParseQuery(t *testing.T) {
	q, err := url.ParseQuery("serienummer=abc&datumCreatie[gte]=2020-01-01&_sort=id&page=2&regimes.eindtijd[lte]=20:05")
	require.NoError(t, err)

	inputs, err := filter.ParseQuery(q)
	require.NoError(t, err)
	require.Len(t, inputs, 3, "reserved keys are not filters")

	// Sorted by key.
	assert.Equal(t, "datumCreatie[gte]", inputs[0].Key)
	assert.Equal(t, []string{"datumCreatie"}, inputs[0].Path)
	assert.Equal(t, "gte", inputs[0].Lookup)
	assert.Equal(t, []string{"2020-01-01"}, inputs[0].RawValues)

	assert.Equal(t, []string{"regimes", "eindtijd"}, inputs[1].Path)
	assert.Equal(t, "lte", inputs[1].Lookup)

	assert.Equal(t, "serienummer", inputs[2].Key)
	assert.Equal(t, filter.LookupExact, inputs[2].Lookup)
}

func TestParseQueryRepeatedKeyCollapses(t *testing.T) {
	q := url.Values{"naam[not]": []string{"a", "b"}}
	inputs, err := filter.ParseQuery(q)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, []string{"a", "b"}, inputs[0].RawValues)
}

func TestParseQueryBadSyntax(t *testing.T) {
	for _, key := range []string{"naam[", "naam[in", "naam]x[", "naam..sub", ".naam"} {
		q := url.Values{key: []string{"v"}}
		_, err := filter.ParseQuery(q)
		require.Error(t, err, "key %q", key)
		assert.Equal(t, 400, apierror.From(err).Status)
		assert.Equal(t, "urn:apiexception:"+apierror.CodeInvalidFilterSyntax,
			apierror.From(err).InvalidParams[0].Type)
	}
}

func TestParseScalarBool(t *testing.T) {
	f := field(t, "movies", "movie", "enabled")
	for raw, want := range map[string]bool{"true": true, "1": true, "FALSE": false, "0": false} {
		v, err := filter.ParseScalar(f, raw, crs.Undefined)
		require.NoError(t, err, "raw %q", raw)
		assert.Equal(t, want, v)
	}
	_, err := filter.ParseScalar(f, "yes", crs.Undefined)
	assert.EqualError(t, err, "Enter a valid boolean (true/false)")
}

func TestParseScalarNumber(t *testing.T) {
	f := field(t, "parkeervakken", "parkeervakken", "aantal")
	v, err := filter.ParseScalar(f, "12.5", crs.Undefined)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	for _, raw := range []string{"NaN", "Inf", "1e3", "-1", "1.", ""} {
		_, err := filter.ParseScalar(f, raw, crs.Undefined)
		assert.Error(t, err, "raw %q", raw)
	}
}

func TestParseScalarDateTime(t *testing.T) {
	f := field(t, "afvalwegingen", "containers", "datumLeegmaken")

	// A bare date on a date-time field comes back as a Date for
	// day-bounded promotion.
	v, err := filter.ParseScalar(f, "2020-01-01", crs.Undefined)
	require.NoError(t, err)
	d, ok := v.(filter.Date)
	require.True(t, ok)
	assert.Equal(t, 2020, d.Year())

	v, err = filter.ParseScalar(f, "2020-01-01T12:30:00Z", crs.Undefined)
	require.NoError(t, err)
	_, isTime := v.(time.Time)
	assert.True(t, isTime)

	_, err = filter.ParseScalar(f, "2020-01-fubar", crs.Undefined)
	assert.EqualError(t, err, "Enter a valid ISO date-time, or single date.")
}

func TestParseScalarTime(t *testing.T) {
	f := field(t, "parkeervakken", "parkeervakken", "regimes").Subfield("eindtijd")
	require.NotNil(t, f)

	for _, raw := range []string{"20:05", "20:05:59", "20:05:59.123"} {
		_, err := filter.ParseScalar(f, raw, crs.Undefined)
		assert.NoError(t, err, "raw %q", raw)
	}
	_, err := filter.ParseScalar(f, "25:99", crs.Undefined)
	assert.Error(t, err)
}

func TestParsePointAutoDetect(t *testing.T) {
	// Inside the NL WGS84 box: read as lat,lon and reordered.
	p, c, err := filter.ParsePoint("52.373,4.893", crs.Undefined)
	require.NoError(t, err)
	assert.Equal(t, crs.WGS84, c)
	assert.Equal(t, orb.Point{4.893, 52.373}, p)

	// Inside the RD validity area: RD meters.
	p, c, err = filter.ParsePoint("123207,486624", crs.Undefined)
	require.NoError(t, err)
	assert.Equal(t, crs.RD, c)
	assert.Equal(t, orb.Point{123207, 486624}, p)

	// Neither range: the caller has to state the CRS explicitly.
	_, _, err = filter.ParsePoint("1,1", crs.Undefined)
	assert.ErrorIs(t, err, filter.ErrNeedsCRS)
}

func TestParsePointWKT(t *testing.T) {
	p, c, err := filter.ParsePoint("POINT(4.893 52.373)", crs.Undefined)
	require.NoError(t, err)
	assert.Equal(t, crs.WGS84, c)
	assert.Equal(t, orb.Point{4.893, 52.373}, p)

	_, _, err = filter.ParsePoint("POINT(4.893)", crs.Undefined)
	assert.Error(t, err)
}

func TestParsePointExplicitCRS(t *testing.T) {
	// Explicit RD header: coordinates are x,y as given.
	p, c, err := filter.ParsePoint("123207,486624", crs.RD)
	require.NoError(t, err)
	assert.Equal(t, crs.RD, c)
	assert.Equal(t, orb.Point{123207, 486624}, p)

	// Explicit geographic header with a lat,lon pair: reordered.
	p, c, err = filter.ParsePoint("52.373,4.893", crs.WGS84)
	require.NoError(t, err)
	assert.Equal(t, crs.WGS84, c)
	assert.Equal(t, orb.Point{4.893, 52.373}, p)
}

func TestAllowedLookups(t *testing.T) {
	snap := schematest.NewSnapshot()

	// Strings allow like/isempty, not gt.
	naam := snap.Table("movies", "movie").Field("name")
	assert.NoError(t, filter.ValidateLookup(naam, "name[like]", filter.LookupLike))
	err := filter.ValidateLookup(naam, "name[gt]", filter.LookupGT)
	require.Error(t, err)
	apiErr := apierror.From(err)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, "name[gt]", apiErr.InvalidParams[0].Name)

	// Booleans allow only exact and isnull.
	enabled := snap.Table("movies", "movie").Field("enabled")
	assert.NoError(t, filter.ValidateLookup(enabled, "enabled", filter.LookupExact))
	assert.Error(t, filter.ValidateLookup(enabled, "enabled[like]", filter.LookupLike))

	// Dates allow comparisons.
	datum := snap.Table("afvalwegingen", "containers").Field("datumCreatie")
	assert.NoError(t, filter.ValidateLookup(datum, "datumCreatie[gte]", filter.LookupGTE))
	assert.Error(t, filter.ValidateLookup(datum, "datumCreatie[like]", filter.LookupLike))

	// FKs are restricted to exact/in/not/isnull even though they are strings.
	cluster := snap.Table("afvalwegingen", "containers").Field("cluster")
	assert.NoError(t, filter.ValidateLookup(cluster, "clusterId[in]", filter.LookupIn))
	assert.Error(t, filter.ValidateLookup(cluster, "clusterId[like]", filter.LookupLike))

	// Geometry points: no contains.
	geom := snap.Table("afvalwegingen", "containers").Field("geometry")
	assert.Error(t, filter.ValidateLookup(geom, "geometry[contains]", filter.LookupContains))
	assert.NoError(t, filter.ValidateLookup(geom, "geometry[isnull]", filter.LookupIsNull))

	// Polygons: contains allowed.
	poly := snap.Table("gebieden", "buurten").Field("geometrie")
	assert.NoError(t, filter.ValidateLookup(poly, "geometrie[contains]", filter.LookupContains))

	// Arrays: contains only.
	tags := snap.Table("movies", "movie").Field("tags")
	assert.NoError(t, filter.ValidateLookup(tags, "tags[contains]", filter.LookupContains))
	assert.Error(t, filter.ValidateLookup(tags, "tags[like]", filter.LookupLike))
}

func TestSplitValues(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, filter.SplitValues("a, b,c"))
}
