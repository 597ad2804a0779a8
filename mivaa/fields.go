package mivaa

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Logical field names used by FieldMap and profile overrides.
const (
	FieldJobID      = "job_id"
	FieldStatus     = "status"
	FieldProgress   = "progress"
	FieldDocumentID = "document_id"
	FieldError      = "error"
	FieldChunks     = "chunks"
	FieldImages     = "images"
	FieldHits       = "hits"
)

// Counters reported by the service under varying parents.
var DefaultCounters = []string{"chunks_created", "images_extracted", "text_length", "pages_processed", "total_pages"}

// envelopes are the wrappers observed in front of the job body: the raw
// service, the gateway's {data}, a doubly wrapped gateway, and the
// details/parameters/result bags of the various job endpoints.
var envelopes = []string{"", "data.", "data.data.", "job.", "data.job."}
var bags = []string{"", "details.", "parameters.", "result.", "metadata."}

// FieldMap is an ordered table of gjson paths per logical field. The first
// path that exists wins.
type FieldMap struct {
	Paths    map[string][]string
	Counters map[string][]string
}

func DefaultFieldMap() FieldMap {
	m := FieldMap{
		Paths: map[string][]string{
			FieldJobID:      {"data.job_id", "job_id", "data.data.job_id", "jobId", "data.jobId"},
			FieldStatus:     prefixed(envelopes, "status", "state"),
			FieldProgress:   prefixed(envelopes, "progress", "progress_percentage", "progress.percentage"),
			FieldDocumentID: prefixed(nested(envelopes, bags), "document_id", "documentId"),
			FieldError:      prefixed(envelopes, "error", "error.message", "error_message", "err_msg", "detail"),
			FieldChunks:     {"chunks", "data.chunks", "data.data.chunks", "result.chunks", "data.result.chunks", "data", "@this"},
			FieldImages:     {"images", "data.images", "data.data.images", "result.images", "data.result.images", "data", "@this"},
			FieldHits:       {"results", "data.results", "data.data.results", "matches", "data.matches", "data", "@this"},
		},
		Counters: map[string][]string{},
	}
	for _, c := range DefaultCounters {
		m.Counters[c] = prefixed(nested(envelopes, bags), c)
	}
	return m
}

func nested(outer, inner []string) []string {
	out := make([]string, 0, len(outer)*len(inner))
	for _, o := range outer {
		for _, i := range inner {
			out = append(out, o+i)
		}
	}
	return out
}

func prefixed(prefixes []string, keys ...string) []string {
	out := make([]string, 0, len(prefixes)*len(keys))
	for _, p := range prefixes {
		for _, k := range keys {
			out = append(out, p+k)
		}
	}
	return out
}

// Merge prepends override paths to the defaults. Keys are logical field
// names or "counters.<name>".
func (m FieldMap) Merge(overrides map[string][]string) (FieldMap, error) {
	out := FieldMap{
		Paths:    make(map[string][]string, len(m.Paths)),
		Counters: make(map[string][]string, len(m.Counters)),
	}
	for k, v := range m.Paths {
		out.Paths[k] = append([]string(nil), v...)
	}
	for k, v := range m.Counters {
		out.Counters[k] = append([]string(nil), v...)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		paths := overrides[k]
		if name, ok := strings.CutPrefix(k, "counters."); ok {
			if name == "" {
				return FieldMap{}, fmt.Errorf("empty counter name in field override %q", k)
			}
			out.Counters[name] = append(append([]string(nil), paths...), out.Counters[name]...)
			continue
		}
		if _, ok := out.Paths[k]; !ok {
			return FieldMap{}, fmt.Errorf("unknown field %q in field overrides", k)
		}
		out.Paths[k] = append(append([]string(nil), paths...), out.Paths[k]...)
	}
	return out, nil
}

// match is the path that satisfied a lookup together with its value.
type match struct {
	Path  string
	Value gjson.Result
}

func lookup(body []byte, field string, paths []string, accept func(gjson.Result) bool) (match, error) {
	for _, p := range paths {
		r := gjson.GetBytes(body, p)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if accept != nil && !accept(r) {
			continue
		}
		return match{Path: p, Value: r}, nil
	}
	return match{}, &ShapeError{Field: field, Tried: paths}
}

// lookupStatus prefers the first path whose value classifies, so an
// envelope status like "success" does not shadow the job's own status.
// The first text match is the fallback.
func lookupStatus(body []byte, paths []string) (match, error) {
	var fallback *match
	for _, p := range paths {
		r := gjson.GetBytes(body, p)
		if !text(r) {
			continue
		}
		if Classify(r.Str) != PhaseUnknown {
			return match{Path: p, Value: r}, nil
		}
		if fallback == nil {
			fallback = &match{Path: p, Value: r}
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return match{}, &ShapeError{Field: FieldStatus, Tried: paths}
}

func scalar(r gjson.Result) bool {
	return r.Type == gjson.String || r.Type == gjson.Number
}

func nonEmptyString(r gjson.Result) bool {
	return scalar(r) && strings.TrimSpace(r.String()) != ""
}

func text(r gjson.Result) bool {
	return r.Type == gjson.String && strings.TrimSpace(r.Str) != ""
}

func number(r gjson.Result) bool {
	if r.Type == gjson.Number {
		return true
	}
	if r.Type != gjson.String {
		return false
	}
	_, err := parsePercent(r.Str)
	return err == nil
}

func numericValue(r gjson.Result) float64 {
	if r.Type == gjson.String {
		v, _ := parsePercent(r.Str)
		return v
	}
	return r.Float()
}

// parsePercent accepts "45.5" and "45.5%", both of which show up in
// progress fields.
func parsePercent(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
}

func array(r gjson.Result) bool {
	return r.IsArray()
}
