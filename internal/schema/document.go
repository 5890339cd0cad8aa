package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// This file parses Amsterdam Schema dataset documents into the catalog
// types. Parsing is tolerant about the two spellings the schema corpus
// uses for several members (auth as string or list, geometry as $ref or
// geo: type, date as a type or a string format).

// authValue accepts "auth": "SCOPE" as well as "auth": ["A", "B"].
type authValue []string

func (a *authValue) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("auth must be a string or list of strings: %w", err)
	}
	*a = many
	return nil
}

type docDataset struct {
	Type    string     `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Version string     `json:"version"`
	Status  string     `json:"status"`
	Auth    authValue  `json:"auth"`
	Path    string     `json:"path"`
	Remote  *docRemote `json:"remote"`
	Tables  []docTable `json:"tables"`
}

type docRemote struct {
	Endpoint string `json:"endpoint"`
	Profile  string `json:"profile"`
}

type docTable struct {
	ID     string    `json:"id"`
	Auth   authValue `json:"auth"`
	Zoom   *docZoom  `json:"zoom"`
	Schema docSchema `json:"schema"`
}

type docZoom struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type docSchema struct {
	Identifier   stringList          `json:"identifier"`
	Temporal     *docTemporal        `json:"temporal"`
	Required     []string            `json:"required"`
	Properties   map[string]docField `json:"properties"`
	Relations    map[string]docRel   `json:"additionalRelations"`
	PropertyIDs  []string            `json:"propertyOrder"`
	MainGeometry string              `json:"mainGeometry"`
}

// stringList accepts a single string or a list, since older documents
// write "identifier": "id" for single-field keys.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*s = many
	return nil
}

type docTemporal struct {
	Identifier string                  `json:"identifier"`
	Dimensions map[string]stringList `json:"dimensions"`
}

type docField struct {
	Type            string              `json:"type"`
	Format          string              `json:"format"`
	Ref             string              `json:"$ref"`
	Auth            authValue           `json:"auth"`
	Relation        string              `json:"relation"`
	NMRelation      string              `json:"nmRelation"`
	Through         string              `json:"through"`
	ThroughFields   []string            `json:"throughFields"`
	RelatedFieldIDs []string            `json:"relatedFieldIds"`
	LooseRelation   bool                `json:"looseRelation"`
	Properties      map[string]docField `json:"properties"`
	Items           *docField           `json:"items"`
	MinZoom         int                 `json:"minZoom"`
	MaxZoom         int                 `json:"maxZoom"`
}

type docRel struct {
	Relation string `json:"relation"` // "dataset:table:field"
	Format   string `json:"format"`
}

// ParseDataset parses one dataset document and indexes it.
func ParseDataset(data []byte) (*Dataset, error) {
	var doc docDataset
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse dataset document: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("dataset document has no id")
	}
	if doc.Type != "" && doc.Type != "dataset" {
		return nil, fmt.Errorf("dataset %s: unexpected document type %q", doc.ID, doc.Type)
	}

	d := &Dataset{
		ID:      doc.ID,
		Title:   doc.Title,
		Version: doc.Version,
		Status:  doc.Status,
		Auth:    NewScopeSet(doc.Auth...),
		Path:    doc.Path,
	}
	if d.Path == "" {
		d.Path = SnakeName(d.ID)
	}
	if doc.Remote != nil {
		if doc.Remote.Endpoint == "" {
			return nil, fmt.Errorf("dataset %s: remote without endpoint", doc.ID)
		}
		d.Remote = &RemoteSpec{Endpoint: doc.Remote.Endpoint, Profile: doc.Remote.Profile}
	}

	for _, dt := range doc.Tables {
		t, err := parseTable(d.ID, dt)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", doc.ID, err)
		}
		d.Tables = append(d.Tables, t)
	}

	d.index()
	return d, nil
}

func parseTable(datasetID string, doc docTable) (*Table, error) {
	if doc.ID == "" {
		return nil, fmt.Errorf("table without id")
	}
	t := &Table{
		ID:         doc.ID,
		Auth:       NewScopeSet(doc.Auth...),
		Identifier: doc.Schema.Identifier,
	}
	if doc.Zoom != nil {
		t.Zoom = ZoomRange{Min: doc.Zoom.Min, Max: doc.Zoom.Max}
	}
	if doc.Schema.Temporal != nil {
		tmp, err := parseTemporal(doc.Schema.Temporal)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", doc.ID, err)
		}
		t.Temporal = tmp
	}

	order := doc.Schema.PropertyIDs
	if len(order) == 0 {
		order = sortedKeys(doc.Schema.Properties)
	}
	for _, id := range order {
		df, ok := doc.Schema.Properties[id]
		if !ok {
			return nil, fmt.Errorf("table %s: propertyOrder names unknown field %q", doc.ID, id)
		}
		f, err := parseField(id, df)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", doc.ID, err)
		}
		t.Fields = append(t.Fields, f)
	}

	for _, id := range sortedKeys(doc.Schema.Relations) {
		dr := doc.Schema.Relations[id]
		rel, err := parseAdditionalRelation(id, dr)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", doc.ID, err)
		}
		t.AdditionalRelations = append(t.AdditionalRelations, rel)
	}
	return t, nil
}

func parseTemporal(doc *docTemporal) (*Temporal, error) {
	if doc.Identifier == "" {
		return nil, fmt.Errorf("temporal without sequence identifier")
	}
	tmp := &Temporal{
		SequenceField: doc.Identifier,
		Dimensions:    make(map[string]TemporalDimension, len(doc.Dimensions)),
	}
	for name, bounds := range doc.Dimensions {
		if len(bounds) != 2 {
			return nil, fmt.Errorf("temporal dimension %s: want [start, end], got %d fields", name, len(bounds))
		}
		tmp.Dimensions[name] = TemporalDimension{Start: bounds[0], End: bounds[1]}
	}
	return tmp, nil
}

func parseField(id string, doc docField) (*Field, error) {
	typ, err := fieldType(doc)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", id, err)
	}

	f := &Field{
		ID:              id,
		Type:            typ,
		Format:          doc.Format,
		Auth:            NewScopeSet(doc.Auth...),
		Through:         doc.Through,
		ThroughFields:   doc.ThroughFields,
		RelatedFieldIDs: doc.RelatedFieldIDs,
		IsLooseRelation: doc.LooseRelation,
		Zoom:            ZoomRange{Min: doc.MinZoom, Max: doc.MaxZoom},
	}

	if doc.Relation != "" {
		ref, err := parseTableRef(doc.Relation)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", id, err)
		}
		f.Relation = &ref
	}
	if doc.NMRelation != "" {
		ref, err := parseTableRef(doc.NMRelation)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", id, err)
		}
		f.NMRelation = &ref
	}

	// An M2M hidden inside an array-of-related-items spelling.
	if typ == TypeArray && doc.Items != nil && doc.Items.Relation != "" && f.NMRelation == nil {
		ref, err := parseTableRef(doc.Items.Relation)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", id, err)
		}
		f.NMRelation = &ref
		if len(f.RelatedFieldIDs) == 0 {
			f.RelatedFieldIDs = doc.Items.RelatedFieldIDs
		}
	}

	for _, subID := range sortedKeys(doc.Properties) {
		sub, err := parseField(subID, doc.Properties[subID])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", id, err)
		}
		f.Subfields = append(f.Subfields, sub)
	}
	if typ == TypeArray && len(f.Subfields) > 0 {
		f.IsNestedTable = true
	}
	if typ == TypeArray && doc.Items != nil && len(doc.Items.Properties) > 0 {
		for _, subID := range sortedKeys(doc.Items.Properties) {
			sub, err := parseField(subID, doc.Items.Properties[subID])
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", id, err)
			}
			f.Subfields = append(f.Subfields, sub)
		}
		f.IsNestedTable = true
	}
	if typ == TypeArray && doc.Items != nil && len(f.Subfields) == 0 {
		item, err := parseField(id, *doc.Items)
		if err != nil {
			return nil, err
		}
		f.Items = item
	}
	return f, nil
}

// fieldType derives the FieldType from the three spellings in use:
// "type": "geo:Point", a geojson.org "$ref", or "type": "string" with a
// date/date-time/time/uri format.
func fieldType(doc docField) (FieldType, error) {
	if doc.Ref != "" {
		name := strings.TrimSuffix(doc.Ref[strings.LastIndex(doc.Ref, "/")+1:], ".json")
		switch name {
		case "Point":
			return TypeGeoPoint, nil
		case "Polygon":
			return TypeGeoPolygon, nil
		case "MultiPolygon":
			return TypeGeoMultiPoly, nil
		case "Geometry", "LineString", "MultiLineString", "MultiPoint":
			return TypeGeometry, nil
		default:
			return "", fmt.Errorf("unsupported geometry $ref %q", doc.Ref)
		}
	}

	switch doc.Type {
	case "string":
		switch doc.Format {
		case "date":
			return TypeDate, nil
		case "date-time":
			return TypeDateTime, nil
		case "time":
			return TypeTime, nil
		case "uri":
			return TypeURI, nil
		default:
			return TypeString, nil
		}
	case "integer":
		return TypeInteger, nil
	case "number":
		return TypeNumber, nil
	case "boolean":
		return TypeBoolean, nil
	case "array":
		return TypeArray, nil
	case "object":
		return TypeObject, nil
	case "date", "date-time", "time", "uri":
		return FieldType(doc.Type), nil
	case "geo:Point", "geo:Polygon", "geo:MultiPolygon", "geo:Geometry":
		return FieldType(doc.Type), nil
	case "":
		return "", fmt.Errorf("missing type")
	default:
		return "", fmt.Errorf("unsupported type %q", doc.Type)
	}
}

func parseTableRef(s string) (TableRef, error) {
	ds, table, ok := strings.Cut(s, ":")
	if !ok || ds == "" || table == "" {
		return TableRef{}, fmt.Errorf("relation %q: want dataset:table", s)
	}
	return TableRef{Dataset: ds, Table: table}, nil
}

func parseAdditionalRelation(id string, doc docRel) (*AdditionalRelation, error) {
	parts := strings.Split(doc.Relation, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("additionalRelation %s: relation %q: want dataset:table:field", id, doc.Relation)
	}
	format := doc.Format
	if format == "" {
		format = RelationFormatSummary
	}
	if format != RelationFormatEmbedded && format != RelationFormatSummary {
		return nil, fmt.Errorf("additionalRelation %s: unknown format %q", id, doc.Format)
	}
	return &AdditionalRelation{
		ID:      id,
		Format:  format,
		Target:  TableRef{Dataset: parts[0], Table: parts[1]},
		FieldID: parts[2],
	}, nil
}
