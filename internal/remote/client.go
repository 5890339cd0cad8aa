// Package remote proxies requests for datasets whose rows live behind an
// upstream HTTP API instead of the local database. The gateway keeps its
// own URL scheme, authorization and error envelope; the upstream is an
// implementation detail that must never leak unvalidated responses to
// the caller.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// Upstream limits.
const (
	requestTimeout = 60 * time.Second

	// maxRawEcho bounds how much of an invalid upstream body is echoed
	// back in the x-raw-response problem extension.
	maxRawEcho = 2048

	// correlationPrefixLen and maxCorrelationLen shape the generated
	// X-Correlation-ID: a 14-char request-id prefix plus the table name,
	// capped at 40 characters total.
	correlationPrefixLen = 14
	maxCorrelationLen    = 40
)

// Client talks to remote dataset endpoints. One client serves all remote
// datasets; it is safe for concurrent use.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

// NewClient builds the proxy client. TLS verification stays on; the
// upstream endpoints are regular public hosts.
func NewClient(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log: log,
		http: &http.Client{
			Timeout: requestTimeout,
			// Redirects are refused: an upstream bouncing the gateway to a
			// login page must surface as denied, not be followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// endpointURL expands the dataset's endpoint template for a table and
// optional resource id.
func endpointURL(ds *schema.Dataset, t *schema.Table, id string) (string, error) {
	base := strings.ReplaceAll(ds.Remote.Endpoint, "{tableId}", t.ID)
	u, err := url.Parse(base)
	if err != nil {
		return "", apierror.Internal(fmt.Errorf("remote endpoint of %s: %w", ds.ID, err))
	}
	if id != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + id
	}
	return u.String(), nil
}

// Fetch retrieves one resource from the upstream and validates it
// against the table schema.
func (c *Client) Fetch(ctx context.Context, caller *http.Request, ds *schema.Dataset, t *schema.Table, id string) (map[string]any, error) {
	target, err := endpointURL(ds, t, id)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, caller, ds, t, target, nil)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, invalidUpstream(t, body, []string{"response is not a JSON object"})
	}
	if problems := validate(t, doc); len(problems) > 0 {
		return nil, invalidUpstream(t, body, problems)
	}
	return doc, nil
}

// FetchList retrieves a listing. The gateway's paging parameters are
// translated to the upstream's dialect; filter parameters pass through.
func (c *Client) FetchList(ctx context.Context, caller *http.Request, ds *schema.Dataset, t *schema.Table) ([]map[string]any, error) {
	target, err := endpointURL(ds, t, "")
	if err != nil {
		return nil, err
	}
	params, err := translateQuery(caller.URL.Query())
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, caller, ds, t, target, params)
	if err != nil {
		return nil, err
	}

	items, problems := extractItems(t, body)
	if len(problems) > 0 {
		return nil, invalidUpstream(t, body, problems)
	}
	for _, item := range items {
		if p := validate(t, item); len(p) > 0 {
			return nil, invalidUpstream(t, body, p)
		}
	}
	return items, nil
}

// translateQuery maps the gateway's reserved parameters to the upstream
// dialect and validates the rest before dispatch. Upstreams only
// understand exact matches, so any other filter lookup is a 400 here,
// never a confusing upstream error.
func translateQuery(in url.Values) (url.Values, error) {
	out := url.Values{}
	for key, values := range in {
		switch key {
		case "_pageSize", "page_size":
			out["pageSize"] = values
		case "_expand":
			out["expand"] = values
		case "_expandScope":
			out["expandScope"] = values
		case "page":
			out[key] = values
		case "_format", "format", "_fields", "fields", "_count", "_sort", "sorteer":
			// Local concerns, never forwarded.
		default:
			base, lookup, err := splitLookup(key)
			if err != nil {
				return nil, err
			}
			if lookup != "" && lookup != "exact" {
				return nil, apierror.UnsupportedLookup(key, lookup, []string{"exact"})
			}
			out[base] = values
		}
	}
	return out, nil
}

// splitLookup splits "field[lookup]" into its parts.
func splitLookup(key string) (string, string, error) {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		return key, "", nil
	}
	if !strings.HasSuffix(key, "]") || open == 0 {
		return "", "", apierror.InvalidParamError(apierror.CodeInvalidFilterSyntax, key,
			"Filter parameter does not match field[operator] syntax")
	}
	return key[:open], key[open+1 : len(key)-1], nil
}

func (c *Client) do(ctx context.Context, caller *http.Request, ds *schema.Dataset, t *schema.Table, target string, params url.Values) ([]byte, error) {
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID(caller, t))
	if xff := forwardedFor(caller); xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	// Only the hcbrk profile upstreams understand the caller's token;
	// plain REST upstreams never see it.
	if ds.Remote.ForwardsAuth() {
		if auth := caller.Header.Get("Authorization"); auth != "" {
			req.Header.Set("Authorization", auth)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, target, err)
	}
	defer resp.Body.Close()

	c.log.DebugContext(ctx, "remote fetch",
		slog.String("url", target),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apierror.Upstream("Failed reading upstream response").WithCause(err)
		}
		return body, nil

	case resp.StatusCode == http.StatusBadRequest:
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/problem+json") {
			return nil, upstreamProblem(resp.Body)
		}
		return nil, apierror.Upstream("Unexpected upstream status 400")

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Upstream denial maps to our own access error; upstream auth
		// internals stay hidden.
		return nil, apierror.AccessDenied("access denied by upstream service")

	case resp.StatusCode == http.StatusNotFound:
		return nil, apierror.NotFound("resource not found")

	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// A redirect, typically to an authorization endpoint.
		return nil, apierror.AccessDenied("upstream requires interactive authorization")

	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, apierror.UpstreamUnavailable("upstream service unavailable")

	default:
		return nil, apierror.Upstream(fmt.Sprintf("Unexpected upstream status %d", resp.StatusCode))
	}
}

func (c *Client) transportError(ctx context.Context, target string, err error) error {
	c.log.WarnContext(ctx, "remote fetch failed", slog.String("url", target), slog.Any("err", err))

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.UpstreamTimeout("upstream did not respond in time")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.UpstreamTimeout("upstream did not respond in time")
	}
	return apierror.UpstreamUnavailable("could not connect to upstream service")
}

// upstreamProblem passes a problem+json body through to the caller,
// normalizing its code to parse_error: the upstream rejected a request
// the gateway forwarded, so its complaint is about the caller's input.
func upstreamProblem(body io.Reader) error {
	var doc struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	_ = json.NewDecoder(io.LimitReader(body, maxRawEcho)).Decode(&doc)
	if doc.Title == "" {
		doc.Title = "Invalid request"
	}
	e := apierror.New(http.StatusBadRequest, apierror.CodeParseError, doc.Title)
	e.Detail = doc.Detail
	return e
}

// correlationID derives the upstream correlation header. An edge proxy's
// X-Unique-ID wins when present: its first 14 characters plus its last
// dash-separated component identify the request in both log streams.
// Otherwise the gateway's own request id plus the table name is used.
func correlationID(caller *http.Request, t *schema.Table) string {
	var id string
	if uid := caller.Header.Get("X-Unique-ID"); uid != "" {
		id = uid
		if len(uid) > correlationPrefixLen {
			last := uid[strings.LastIndexByte(uid, '-')+1:]
			id = strings.TrimRight(uid[:correlationPrefixLen], "-") + "-" + last
		}
	} else {
		reqID := caller.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		if len(reqID) > correlationPrefixLen {
			reqID = strings.TrimRight(reqID[:correlationPrefixLen], "-")
		}
		id = reqID + "." + t.ID
	}
	if len(id) > maxCorrelationLen {
		id = id[:maxCorrelationLen]
	}
	return id
}

// forwardedFor appends the caller's address to any existing chain.
func forwardedFor(caller *http.Request) string {
	host, _, err := net.SplitHostPort(caller.RemoteAddr)
	if err != nil {
		host = caller.RemoteAddr
	}
	if host == "" {
		return caller.Header.Get("X-Forwarded-For")
	}
	if prior := caller.Header.Get("X-Forwarded-For"); prior != "" {
		return prior + ", " + host
	}
	return host
}

// extractItems pulls the item list out of the two upstream shapes: a
// bare JSON array, or a HAL-ish envelope with _embedded/results.
func extractItems(t *schema.Table, body []byte) ([]map[string]any, []string) {
	var asList []map[string]any
	if err := json.Unmarshal(body, &asList); err == nil {
		return asList, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, []string{"response is neither a JSON list nor an object"}
	}
	for _, key := range []string{"results", "items"} {
		if raw, ok := envelope[key]; ok {
			if err := json.Unmarshal(raw, &asList); err != nil {
				return nil, []string{key + " is not a list"}
			}
			return asList, nil
		}
	}
	if raw, ok := envelope["_embedded"]; ok {
		var embedded map[string][]map[string]any
		if err := json.Unmarshal(raw, &embedded); err != nil {
			return nil, []string{"_embedded is not an object of lists"}
		}
		for _, list := range embedded {
			return list, nil
		}
	}
	return nil, []string{"response carries no result list"}
}

// validate checks an upstream object against the table schema: the
// identifier must be present, and no value may contradict its declared
// type. Unknown extra fields pass; the serializer ignores them.
func validate(t *schema.Table, doc map[string]any) []string {
	var problems []string
	for _, id := range t.Identifier {
		if _, ok := doc[id]; !ok {
			problems = append(problems, fmt.Sprintf("missing identifier field %q", id))
		}
	}
	for _, f := range t.Fields {
		v, ok := doc[f.ID]
		if !ok || v == nil {
			continue
		}
		if !typeMatches(f, v) {
			problems = append(problems, fmt.Sprintf("field %q: %T does not match type %s", f.ID, v, f.Type))
		}
	}
	return problems
}

func typeMatches(f *schema.Field, v any) bool {
	switch f.Type {
	case schema.TypeString, schema.TypeURI, schema.TypeDate, schema.TypeDateTime, schema.TypeTime:
		_, ok := v.(string)
		return ok
	case schema.TypeInteger, schema.TypeNumber:
		_, ok := v.(float64)
		return ok
	case schema.TypeBoolean:
		_, ok := v.(bool)
		return ok
	case schema.TypeArray:
		_, ok := v.([]any)
		return ok
	default:
		// Objects, geometries and relations arrive in too many upstream
		// shapes to police here.
		return true
	}
}

// invalidUpstream builds the 502 carrying the validation problems and a
// truncated echo of the offending body.
func invalidUpstream(t *schema.Table, body []byte, problems []string) error {
	e := apierror.Upstream("Invalid response from upstream for " + t.Dataset.ID + "/" + t.ID)
	e.ValidationErrors = problems
	raw := string(body)
	if len(raw) > maxRawEcho {
		raw = raw[:maxRawEcho]
	}
	e.RawResponse = raw
	return e
}
