package server

import (
	"net/http"
	"strconv"

	"github.com/onnwee/meeting-tender/backend/store"
)

// parseFloat64Query extracts a float64 parameter from query string with a default value.
func parseFloat64Query(r *http.Request, key string, def float64) float64 {
	if v := r.URL.Query().Get(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// pageFrom reads limit and offset, clamping limit to (0, max].
func pageFrom(r *http.Request, def, max int) store.Page {
	limit := parseIntQuery(r, "limit", def)
	if limit <= 0 || limit > max {
		limit = def
	}
	offset := parseIntQuery(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return store.Page{Limit: limit, Offset: offset}
}
