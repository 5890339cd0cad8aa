package auth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/datastelsel/dsogateway/internal/schema"
)

// PermKind classifies a field permission.
type PermKind int

const (
	// PermNone denies reading the field.
	PermNone PermKind = iota
	// PermRead allows reading the full value.
	PermRead
	// PermLetters allows reading only the first N characters.
	PermLetters
)

// Permission is the access level a profile (or the scope check) grants on
// a field. The zero value denies.
type Permission struct {
	Kind    PermKind
	Letters int
}

// Allows reports whether the field may appear in output at all.
func (p Permission) Allows() bool { return p.Kind != PermNone }

// IsTransform reports whether the value must be rewritten before output.
func (p Permission) IsTransform() bool { return p.Kind == PermLetters }

// Apply rewrites a value according to the permission. Only string values
// are transformed; other types pass through when reading is allowed.
func (p Permission) Apply(v any) any {
	if p.Kind != PermLetters {
		return v
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	runes := []rune(s)
	if len(runes) <= p.Letters {
		return s
	}
	return string(runes[:p.Letters])
}

// MostPermissive returns the wider of two permissions. Multiple active
// profiles combine this way: read beats letters, letters beat none, and
// longer prefixes beat shorter ones.
func MostPermissive(a, b Permission) Permission {
	if a.Kind == PermRead || b.Kind == PermRead {
		return Permission{Kind: PermRead}
	}
	if a.Kind == PermLetters && b.Kind == PermLetters {
		if b.Letters > a.Letters {
			return b
		}
		return a
	}
	if a.Kind == PermLetters {
		return a
	}
	return b
}

// parsePermission reads the document spelling: "read", "letters:3" or "none".
func parsePermission(s string) (Permission, error) {
	switch {
	case s == "read":
		return Permission{Kind: PermRead}, nil
	case s == "none", s == "":
		return Permission{}, nil
	case strings.HasPrefix(s, "letters:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "letters:"))
		if err != nil || n < 1 {
			return Permission{}, fmt.Errorf("invalid permission %q", s)
		}
		return Permission{Kind: PermLetters, Letters: n}, nil
	default:
		return Permission{}, fmt.Errorf("invalid permission %q", s)
	}
}

// Profile grants conditional access: it applies only when the caller has
// all of its scopes, and (per table) when one of its mandatory filter
// sets is fully present on the request.
type Profile struct {
	ID       string
	Scopes   schema.ScopeSet
	Datasets map[string]*ProfileDataset
}

// ProfileDataset groups the table rules of a profile for one dataset.
type ProfileDataset struct {
	Tables map[string]*ProfileTable
}

// ProfileTable is the per-table rule of a profile.
type ProfileTable struct {
	// MandatoryFilterSets lists alternative sets of field paths; at least
	// one set must be fully covered by the request's filter keys for the
	// profile to activate on this table. An empty list activates always.
	MandatoryFilterSets [][]string

	// Fields maps field ids to the permission granted.
	Fields map[string]Permission
}

// Table returns the table rule, or nil when the profile does not cover it.
func (p *Profile) Table(datasetID, tableID string) *ProfileTable {
	d := p.Datasets[datasetID]
	if d == nil {
		return nil
	}
	return d.Tables[tableID]
}

// Activates reports whether the table rule applies given the present
// query keys. Keys are matched with the lookup suffix stripped, so a
// mandatory "regimes.eindtijd" is satisfied by "regimes.eindtijd[lte]=..".
func (pt *ProfileTable) Activates(queryParams map[string]bool) bool {
	if len(pt.MandatoryFilterSets) == 0 {
		return true
	}
	for _, set := range pt.MandatoryFilterSets {
		if coversAll(set, queryParams) {
			return true
		}
	}
	return false
}

func coversAll(fields []string, queryParams map[string]bool) bool {
	for _, f := range fields {
		if !queryParams[f] {
			return false
		}
	}
	return true
}

// FieldPermission returns the permission this table rule grants on a field.
func (pt *ProfileTable) FieldPermission(fieldID string) Permission {
	return pt.Fields[fieldID]
}

// docProfile is the JSON document shape.
type docProfile struct {
	Name     string `json:"name"`
	Scopes   []string `json:"scopes"`
	Datasets map[string]struct {
		Tables map[string]struct {
			MandatoryFilterSets [][]string        `json:"mandatoryFilterSets"`
			Fields              map[string]string `json:"fields"`
		} `json:"tables"`
	} `json:"datasets"`
}

// ParseProfile parses one profile document.
func ParseProfile(data []byte) (*Profile, error) {
	var doc docProfile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profile document: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("profile document has no name")
	}

	p := &Profile{
		ID:       doc.Name,
		Scopes:   schema.NewScopeSet(doc.Scopes...),
		Datasets: make(map[string]*ProfileDataset, len(doc.Datasets)),
	}
	for dsID, dsDoc := range doc.Datasets {
		pd := &ProfileDataset{Tables: make(map[string]*ProfileTable, len(dsDoc.Tables))}
		for tableID, tDoc := range dsDoc.Tables {
			pt := &ProfileTable{
				MandatoryFilterSets: tDoc.MandatoryFilterSets,
				Fields:              make(map[string]Permission, len(tDoc.Fields)),
			}
			for fieldID, permStr := range tDoc.Fields {
				perm, err := parsePermission(permStr)
				if err != nil {
					return nil, fmt.Errorf("profile %s: %s.%s.%s: %w", doc.Name, dsID, tableID, fieldID, err)
				}
				pt.Fields[fieldID] = perm
			}
			pd.Tables[tableID] = pt
		}
		p.Datasets[dsID] = pd
	}
	return p, nil
}

// ParseProfiles parses a set of profile documents.
func ParseProfiles(docs [][]byte) ([]*Profile, error) {
	out := make([]*Profile, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		p, err := ParseProfile(doc)
		if err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate profile %q", p.ID)
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out, nil
}
