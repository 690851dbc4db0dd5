package models

import (
	"fmt"
	"net/url"
)

// Filter narrows a subscription to records whose fields equal the given values.
// The keys "id" and "owner_id" match the record columns instead of Fields.
type Filter map[string]any

// Key returns the canonical channel key for table+filter. Equal filters always
// produce equal keys regardless of map iteration order. Values are escaped, so
// distinct filters never share a key.
func (f Filter) Key(table string) string {
	if len(f) == 0 {
		return table
	}
	values := make(url.Values, len(f))
	for k, v := range f {
		values.Set(k, fmt.Sprint(v))
	}
	return table + "?" + values.Encode()
}

func (f Filter) Matches(r Record) bool {
	for k, want := range f {
		var got any
		switch k {
		case "id":
			got = r.ID
		case "owner_id":
			got = r.OwnerID
		default:
			v, ok := r.Fields[k]
			if !ok {
				return false
			}
			got = v
		}
		// JSON round trips turn ints into float64, so compare the printed form.
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Fields returns the conditions that apply to Fields, dropping column keys.
func (f Filter) Fields() map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		if k == "id" || k == "owner_id" {
			continue
		}
		out[k] = v
	}
	return out
}
