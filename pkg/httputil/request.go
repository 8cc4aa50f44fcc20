package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// ParseJSON decodes JSON from the request body into the destination
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := strings.TrimSpace(mux.Vars(r)[key])
	if str == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return str, nil
}

// ParsePathStringOrError extracts a string path parameter and writes error on failure
func ParsePathStringOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	val, err := ParsePathString(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return "", false
	}
	return val, true
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// Page holds the list parameters of a request
type Page struct {
	Search string
	Sort   string
	Desc   bool
	Limit  int
	Offset int
}

// ParsePage reads q, sort, order, limit and offset from the query string.
// Limit and offset are left at zero when absent.
func ParsePage(r *http.Request) (Page, error) {
	q := r.URL.Query()
	page := Page{
		Search: strings.TrimSpace(q.Get("q")),
		Sort:   q.Get("sort"),
	}

	switch strings.ToLower(q.Get("order")) {
	case "", "asc":
	case "desc":
		page.Desc = true
	default:
		return Page{}, fmt.Errorf("invalid order %q: expected asc or desc", q.Get("order"))
	}

	var err error
	if page.Limit, err = ParseQueryInt(r, "limit", 0); err != nil {
		return Page{}, err
	}
	if page.Offset, err = ParseQueryInt(r, "offset", 0); err != nil {
		return Page{}, err
	}
	if page.Limit < 0 || page.Offset < 0 {
		return Page{}, fmt.Errorf("limit and offset must not be negative")
	}
	return page, nil
}
