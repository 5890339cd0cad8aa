package render

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/datastelsel/dsogateway/internal/query"
	"github.com/datastelsel/dsogateway/internal/serialize"
)

// Pagination response headers.
const (
	HeaderPaginationPage  = "X-Pagination-Page"
	HeaderPaginationLimit = "X-Pagination-Limit"
	HeaderPaginationCount = "X-Pagination-Count"
	HeaderTotalCount      = "X-Total-Count"
)

// ListPage carries the list envelope inputs shared by the HAL and
// GeoJSON renderers.
type ListPage struct {
	// SelfURL is the canonical listing URL without query string; Query is
	// the original query string for page-link rebuilding.
	SelfURL string
	Query   map[string][]string

	Page query.Pagination

	// Total is the COUNT(*) result; valid when HasTotal.
	Total    int64
	HasTotal bool
}

// writePageHeaders emits the pagination headers. Must run before the
// body starts.
func writePageHeaders(w http.ResponseWriter, p ListPage) {
	w.Header().Set(HeaderPaginationPage, strconv.Itoa(p.Page.Page))
	w.Header().Set(HeaderPaginationLimit, strconv.Itoa(p.Page.Size))
	if p.HasTotal {
		w.Header().Set(HeaderTotalCount, strconv.FormatInt(p.Total, 10))
		pages := (p.Total + int64(p.Page.Size) - 1) / int64(p.Page.Size)
		w.Header().Set(HeaderPaginationCount, strconv.FormatInt(pages, 10))
	}
}

// HAL streams a paginated HAL-JSON listing. The cursor is drained while
// writing; the next/previous links depend on its peek-ahead, so the
// _links section is written last.
func HAL(w http.ResponseWriter, s *serialize.Serializer, plan *query.Plan, cursor *query.Cursor, page ListPage) error {
	writePageHeaders(w, page)
	w.Header().Set("Content-Type", ContentTypeHAL)

	if _, err := w.Write([]byte(`{"_embedded":{` + jsonString(plan.Table.ID) + `:[`)); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	first := true
	for {
		row, err := cursor.Next()
		if err != nil {
			return err
		}
		if row == nil {
			break
		}
		res, err := s.Resource(plan.Table, row, plan.Prefetch)
		if err != nil {
			return err
		}
		if !first {
			if _, err := w.Write([]byte(",")); err != nil {
				return err
			}
		}
		first = false
		raw, err := json.Marshal(res)
		if err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}

	if _, err := w.Write([]byte(`]},"_links":`)); err != nil {
		return err
	}
	if err := enc.Encode(pageLinks(page, cursor.HasMore())); err != nil {
		return err
	}

	if _, err := w.Write([]byte(`,"page":`)); err != nil {
		return err
	}
	if err := enc.Encode(pageInfo(page)); err != nil {
		return err
	}
	_, err := w.Write([]byte("}"))
	return err
}

// Detail writes a single HAL resource.
func Detail(w http.ResponseWriter, s *serialize.Serializer, plan *query.Plan, row query.Row) error {
	w.Header().Set("Content-Type", ContentTypeHAL)
	res, err := s.Resource(plan.Table, row, plan.Prefetch)
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(res)
}

func pageLinks(p ListPage, hasMore bool) map[string]any {
	links := map[string]any{
		"self": map[string]any{"href": serialize.PageHref(p.SelfURL, p.Query, p.Page.Page)},
	}
	if hasMore {
		links["next"] = map[string]any{"href": serialize.PageHref(p.SelfURL, p.Query, p.Page.Page+1)}
	}
	if p.Page.Page > 1 {
		links["previous"] = map[string]any{"href": serialize.PageHref(p.SelfURL, p.Query, p.Page.Page-1)}
	}
	return links
}

func pageInfo(p ListPage) map[string]any {
	info := map[string]any{
		"number": p.Page.Page,
		"size":   p.Page.Size,
	}
	if p.HasTotal {
		info["totalElements"] = p.Total
		info["totalPages"] = (p.Total + int64(p.Page.Size) - 1) / int64(p.Page.Size)
	}
	return info
}

// jsonString renders a JSON string literal for hand-built envelope
// fragments.
func jsonString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
