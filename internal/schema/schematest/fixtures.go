// Package schematest provides canned dataset documents and a prebuilt
// snapshot for tests across the gateway packages. The fixtures model the
// dataset shapes the gateway has to handle: a plain dataset with a
// forward relation (afvalwegingen), temporal tables with loose relations
// (gebieden), a nested table behind a profile-gated dataset
// (parkeervakken), and a plain table for value-parsing cases (movies).
package schematest

import (
	"fmt"

	"github.com/datastelsel/dsogateway/internal/schema"
)

// AfvalwegingenJSON is a public dataset with a containers table holding a
// forward FK to clusters and a point geometry.
const AfvalwegingenJSON = `{
  "type": "dataset",
  "id": "afvalwegingen",
  "title": "Afvalwegingen",
  "version": "1.0.0",
  "status": "beschikbaar",
  "auth": "OPENBAAR",
  "tables": [
    {
      "id": "containers",
      "zoom": {"min": 12},
      "schema": {
        "identifier": ["id"],
        "propertyOrder": ["id", "cluster", "serienummer", "eigenaarNaam", "datumCreatie", "datumLeegmaken", "geometry"],
        "properties": {
          "id": {"type": "integer"},
          "cluster": {"type": "string", "relation": "afvalwegingen:clusters", "relatedFieldIds": ["id"]},
          "serienummer": {"type": "string"},
          "eigenaarNaam": {"type": "string"},
          "datumCreatie": {"type": "string", "format": "date"},
          "datumLeegmaken": {"type": "string", "format": "date-time"},
          "geometry": {"$ref": "https://geojson.org/schema/Point.json", "minZoom": 7}
        }
      }
    },
    {
      "id": "clusters",
      "schema": {
        "identifier": ["id"],
        "propertyOrder": ["id", "status"],
        "properties": {
          "id": {"type": "string"},
          "status": {"type": "integer"}
        }
      }
    }
  ]
}`

// GebiedenJSON holds two temporal tables. Buurten references wijken via a
// loose relation (logical identifier only); wijken declares the reverse
// side as a summary relation.
const GebiedenJSON = `{
  "type": "dataset",
  "id": "gebieden",
  "title": "Gebieden",
  "version": "1.0.0",
  "status": "beschikbaar",
  "auth": "OPENBAAR",
  "tables": [
    {
      "id": "buurten",
      "schema": {
        "identifier": ["identificatie"],
        "temporal": {
          "identifier": "volgnummer",
          "dimensions": {"geldigOp": ["beginGeldigheid", "eindGeldigheid"]}
        },
        "propertyOrder": ["identificatie", "volgnummer", "naam", "beginGeldigheid", "eindGeldigheid", "ligtInWijk", "geometrie"],
        "properties": {
          "identificatie": {"type": "string"},
          "volgnummer": {"type": "integer"},
          "naam": {"type": "string"},
          "beginGeldigheid": {"type": "string", "format": "date"},
          "eindGeldigheid": {"type": "string", "format": "date"},
          "ligtInWijk": {
            "type": "string",
            "relation": "gebieden:wijken",
            "relatedFieldIds": ["identificatie"],
            "looseRelation": true
          },
          "geometrie": {"$ref": "https://geojson.org/schema/Polygon.json"}
        }
      }
    },
    {
      "id": "wijken",
      "schema": {
        "identifier": ["identificatie"],
        "temporal": {
          "identifier": "volgnummer",
          "dimensions": {"geldigOp": ["beginGeldigheid", "eindGeldigheid"]}
        },
        "propertyOrder": ["identificatie", "volgnummer", "naam", "code", "beginGeldigheid", "eindGeldigheid"],
        "properties": {
          "identificatie": {"type": "string"},
          "volgnummer": {"type": "integer"},
          "naam": {"type": "string"},
          "code": {"type": "string"},
          "beginGeldigheid": {"type": "string", "format": "date"},
          "eindGeldigheid": {"type": "string", "format": "date"}
        },
        "additionalRelations": {
          "buurten": {"relation": "gebieden:buurten:ligtInWijk", "format": "summary"}
        }
      }
    }
  ]
}`

// ParkeervakkenJSON is a scope-protected dataset with a nested table
// (regimes) inside the parkeervakken table.
const ParkeervakkenJSON = `{
  "type": "dataset",
  "id": "parkeervakken",
  "title": "Parkeervakken",
  "version": "1.0.0",
  "status": "beschikbaar",
  "auth": "DATASET/SCOPE",
  "tables": [
    {
      "id": "parkeervakken",
      "schema": {
        "identifier": ["id"],
        "propertyOrder": ["id", "type", "soort", "aantal", "regimes"],
        "properties": {
          "id": {"type": "string"},
          "type": {"type": "string"},
          "soort": {"type": "string"},
          "aantal": {"type": "number"},
          "regimes": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "bord": {"type": "string"},
                "soort": {"type": "string"},
                "begintijd": {"type": "string", "format": "time"},
                "eindtijd": {"type": "string", "format": "time"},
                "dagen": {"type": "array", "items": {"type": "string"}}
              }
            }
          }
        }
      }
    }
  ]
}`

// MoviesJSON is a minimal dataset for value parsing and projection cases.
const MoviesJSON = `{
  "type": "dataset",
  "id": "movies",
  "title": "Movies",
  "version": "1.0.0",
  "status": "beschikbaar",
  "auth": "OPENBAAR",
  "tables": [
    {
      "id": "movie",
      "schema": {
        "identifier": ["id"],
        "propertyOrder": ["id", "name", "dateAdded", "enabled", "url", "tags"],
        "properties": {
          "id": {"type": "integer"},
          "name": {"type": "string"},
          "dateAdded": {"type": "string", "format": "date-time"},
          "enabled": {"type": "boolean"},
          "url": {"type": "string", "format": "uri", "auth": "FP/MDW"},
          "tags": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  ]
}`

// HoofdroutesJSON is a remote dataset proxied to an upstream endpoint.
const HoofdroutesJSON = `{
  "type": "dataset",
  "id": "hoofdroutes",
  "title": "Hoofdroutes",
  "version": "1.0.0",
  "status": "beschikbaar",
  "auth": "OPENBAAR",
  "remote": {"endpoint": "https://upstream.example/api/{tableId}/", "profile": "rest"},
  "tables": [
    {
      "id": "routes",
      "schema": {
        "identifier": ["id"],
        "propertyOrder": ["id", "naam"],
        "properties": {
          "id": {"type": "string"},
          "naam": {"type": "string"}
        }
      }
    }
  ]
}`

// AllDocuments returns every fixture document.
func AllDocuments() [][]byte {
	return [][]byte{
		[]byte(AfvalwegingenJSON),
		[]byte(GebiedenJSON),
		[]byte(ParkeervakkenJSON),
		[]byte(MoviesJSON),
		[]byte(HoofdroutesJSON),
	}
}

// NewSnapshot builds a snapshot from all fixture documents, panicking on
// parse errors (fixtures are static, a failure is a programming error).
func NewSnapshot() *schema.Snapshot {
	snap, err := schema.BuildSnapshot(AllDocuments())
	if err != nil {
		panic(fmt.Sprintf("schematest: build snapshot: %v", err))
	}
	return snap
}
