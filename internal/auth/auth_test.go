package auth_test

import (
	"context"
	"net/url"
	"testing"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/auth"
	"github.com/datastelsel/dsogateway/internal/schema"
	"github.com/datastelsel/dsogateway/internal/schema/schematest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const parkeerwachtProfileJSON = `{
  "name": "parkeerwacht",
  "scopes": ["PROFIEL/SCOPE"],
  "datasets": {
    "parkeervakken": {
      "tables": {
        "parkeervakken": {
          "mandatoryFilterSets": [
            ["regimes.eindtijd"]
          ],
          "fields": {
            "id": "read",
            "type": "read",
            "soort": "letters:1"
          }
        }
      }
    }
  }
}`

const medewerkerProfileJSON = `{
  "name": "medewerker",
  "scopes": ["FP/MDW"],
  "datasets": {
    "movies": {
      "tables": {
        "movie": {
          "fields": {
            "url": "read"
          }
        }
      }
    }
  }
}`

func loadProfiles(t *testing.T) []*auth.Profile {
	t.Helper()
	profiles, err := auth.ParseProfiles([][]byte{
		[]byte(parkeerwachtProfileJSON),
		[]byte(medewerkerProfileJSON),
	})
	require.NoError(t, err)
	return profiles
}

func userScopes(t *testing.T, rawQuery string, scopes ...string) auth.UserScopes {
	t.Helper()
	q, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	return auth.NewUserScopes(schema.NewScopeSet(scopes...), loadProfiles(t), q)
}

func TestParseProfile(t *testing.T) {
	profiles := loadProfiles(t)
	require.Len(t, profiles, 2)

	pw := profiles[0]
	assert.Equal(t, "parkeerwacht", pw.ID)
	pt := pw.Table("parkeervakken", "parkeervakken")
	require.NotNil(t, pt)
	assert.Equal(t, [][]string{{"regimes.eindtijd"}}, pt.MandatoryFilterSets)
	assert.Equal(t, auth.Permission{Kind: auth.PermLetters, Letters: 1}, pt.FieldPermission("soort"))
}

func TestParseProfileInvalidPermission(t *testing.T) {
	_, err := auth.ParseProfile([]byte(`{
		"name": "x",
		"datasets": {"d": {"tables": {"t": {"fields": {"f": "letters:zero"}}}}}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid permission")
}

func TestPermissionApply(t *testing.T) {
	letters := auth.Permission{Kind: auth.PermLetters, Letters: 3}
	assert.Equal(t, "Jan", letters.Apply("Jansen"))
	assert.Equal(t, "Jo", letters.Apply("Jo"))
	assert.Equal(t, 42, letters.Apply(42), "non-strings pass through")

	read := auth.Permission{Kind: auth.PermRead}
	assert.Equal(t, "Jansen", read.Apply("Jansen"))
}

func TestMostPermissive(t *testing.T) {
	none := auth.Permission{}
	read := auth.Permission{Kind: auth.PermRead}
	l2 := auth.Permission{Kind: auth.PermLetters, Letters: 2}
	l5 := auth.Permission{Kind: auth.PermLetters, Letters: 5}

	assert.Equal(t, read, auth.MostPermissive(none, read))
	assert.Equal(t, read, auth.MostPermissive(read, l2))
	assert.Equal(t, l5, auth.MostPermissive(l2, l5))
	assert.Equal(t, l2, auth.MostPermissive(none, l2))
}

func TestTableAccessByScope(t *testing.T) {
	snap := schematest.NewSnapshot()
	pv := snap.Table("parkeervakken", "parkeervakken")

	u := userScopes(t, "", "DATASET/SCOPE")
	assert.True(t, auth.HasTableAccess(u, pv))

	u = userScopes(t, "")
	assert.False(t, auth.HasTableAccess(u, pv))
}

func TestTableAccessThroughProfile(t *testing.T) {
	snap := schematest.NewSnapshot()
	pv := snap.Table("parkeervakken", "parkeervakken")

	// Profile scope present and mandatory filter present: access.
	u := userScopes(t, "regimes.eindtijd=20:05", "PROFIEL/SCOPE")
	assert.True(t, auth.HasTableAccess(u, pv))

	// Lookup suffix on the filter key still satisfies the mandatory set.
	u = userScopes(t, "regimes.eindtijd[lte]=20:05", "PROFIEL/SCOPE")
	assert.True(t, auth.HasTableAccess(u, pv))

	// Same scopes without the mandatory filter: no access.
	u = userScopes(t, "soort=fiscaal", "PROFIEL/SCOPE")
	assert.False(t, auth.HasTableAccess(u, pv))

	// Mandatory filter present but profile scope missing: no access.
	u = userScopes(t, "regimes.eindtijd=20:05")
	assert.False(t, auth.HasTableAccess(u, pv))
}

func TestFieldPermissionAncestorAuthDominates(t *testing.T) {
	snap := schematest.NewSnapshot()
	url := snap.Table("movies", "movie").Field("url")

	// Public dataset, protected field: scope required.
	u := userScopes(t, "")
	assert.False(t, auth.FieldPermission(u, url).Allows())

	u = userScopes(t, "", "FP/MDW")
	assert.Equal(t, auth.PermRead, auth.FieldPermission(u, url).Kind)
}

func TestFieldPermissionProfileTransform(t *testing.T) {
	snap := schematest.NewSnapshot()
	soort := snap.Table("parkeervakken", "parkeervakken").Field("soort")

	u := userScopes(t, "regimes.eindtijd=20:05", "PROFIEL/SCOPE")
	perm := auth.FieldPermission(u, soort)
	require.True(t, perm.Allows())
	assert.True(t, perm.IsTransform())
	assert.Equal(t, "f", perm.Apply("fiscaal"))

	// A full scope grant overrides the profile transform.
	u = userScopes(t, "regimes.eindtijd=20:05", "DATASET/SCOPE")
	assert.Equal(t, auth.PermRead, auth.FieldPermission(u, soort).Kind)
}

func TestGateCheckTable(t *testing.T) {
	snap := schematest.NewSnapshot()
	pv := snap.Table("parkeervakken", "parkeervakken")
	gate := &auth.Gate{}

	u := userScopes(t, "regimes.eindtijd=20:05", "PROFIEL/SCOPE")
	require.NoError(t, gate.CheckTable(context.Background(), u, pv, "GET", "/v1/parkeervakken/parkeervakken/"))

	u = userScopes(t, "", "PROFIEL/SCOPE")
	err := gate.CheckTable(context.Background(), u, pv, "GET", "/v1/parkeervakken/parkeervakken/")
	require.Error(t, err)
	assert.Equal(t, 403, apierror.From(err).Status)
}

func TestGateCheckFilterPathMandatoryExemption(t *testing.T) {
	snap := schematest.NewSnapshot()
	pv := snap.Table("parkeervakken", "parkeervakken")
	gate := &auth.Gate{}

	parts, err := snap.ResolveFieldPath(pv, []string{"regimes", "eindtijd"})
	require.NoError(t, err)

	// The caller has no read access to regimes.eindtijd, but the filter
	// is mandated by the activating profile, so it is exempt.
	u := userScopes(t, "regimes.eindtijd=20:05", "PROFIEL/SCOPE")
	assert.NoError(t, gate.CheckFilterPath(u, pv, "regimes.eindtijd", parts))
	assert.NoError(t, gate.CheckFilterPath(u, pv, "regimes.eindtijd[lte]", parts))

	// A filter on a non-mandated unreadable field is denied.
	aantal, err := snap.ResolveFieldPath(pv, []string{"aantal"})
	require.NoError(t, err)
	err = gate.CheckFilterPath(u, pv, "aantal", aantal)
	require.Error(t, err)
	assert.Equal(t, 403, apierror.From(err).Status)
}

func TestGateFieldVisibility(t *testing.T) {
	snap := schematest.NewSnapshot()
	movie := snap.Table("movies", "movie")
	gate := &auth.Gate{}

	u := userScopes(t, "")
	assert.True(t, gate.FieldVisibility(u, movie.Field("name")).Visible)
	assert.False(t, gate.FieldVisibility(u, movie.Field("url")).Visible)
}

func TestFromContextWithoutMiddleware(t *testing.T) {
	u := auth.FromContext(context.Background())
	assert.True(t, u.Granted.IsEmpty())
	assert.Empty(t, u.Profiles)
}
