package wire

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"cloudemu/pkg/awserr"
)

// Params is a flattened AWS-Query request: the form body merged over the URL query.
type Params url.Values

// ParseQuery parses a form-encoded body and merges the URL query under it.
func ParseQuery(rawQuery string, body []byte) (Params, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, awserr.InvalidArgument("malformed form-encoded body").WithCode("MalformedQueryString")
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, awserr.InvalidArgument("malformed query string").WithCode("MalformedQueryString")
	}
	for k, v := range query {
		if _, ok := form[k]; !ok {
			form[k] = v
		}
	}
	return Params(form), nil
}

// Get returns the first value of key.
func (p Params) Get(key string) string {
	return url.Values(p).Get(key)
}

// Has reports whether key was sent.
func (p Params) Has(key string) bool {
	return url.Values(p).Has(key)
}

// Require returns the value of key or a MissingParameter error.
func (p Params) Require(key string) (string, error) {
	v := p.Get(key)
	if v == "" {
		return "", awserr.MissingParameter(key)
	}
	return v, nil
}

// Int returns key parsed as an int, or def when absent or malformed.
func (p Params) Int(key string, def int) int {
	if n, err := strconv.Atoi(p.Get(key)); err == nil {
		return n
	}
	return def
}

// Bool returns key parsed as a bool, or def when absent.
func (p Params) Bool(key string, def bool) bool {
	if b, err := strconv.ParseBool(p.Get(key)); err == nil {
		return b
	}
	return def
}

// List collects a list parameter. Both member forms are accepted: Name.member.1, Name.member.2
// (Query) and Name.1, Name.2 (EC2). Values come back in index order.
func (p Params) List(name string) []string {
	indexed := map[int]string{}
	for key, values := range p {
		if len(values) == 0 {
			continue
		}
		if idx, ok := listIndex(key, name); ok {
			indexed[idx] = values[0]
		}
	}
	return ordered(indexed)
}

// Structs collects a list of structures such as Tags.member.1.Key / Tags.member.1.Value.
// Each element comes back as its own Params keyed by the field suffix.
func (p Params) Structs(name string) []Params {
	indexed := map[int]Params{}
	for key, values := range p {
		rest, ok := strings.CutPrefix(key, name+".")
		if !ok {
			continue
		}
		rest = strings.TrimPrefix(rest, "member.")
		idxStr, field, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		if indexed[idx] == nil {
			indexed[idx] = Params{}
		}
		indexed[idx][field] = values
	}

	keys := make([]int, 0, len(indexed))
	for k := range indexed {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]Params, 0, len(keys))
	for _, k := range keys {
		out = append(out, indexed[k])
	}
	return out
}

// Map collects a map parameter sent as Name.entry.N.key / Name.entry.N.value, or as
// Name.N.Name / Name.N.Value (SQS and SNS attributes), or as Name.member.N.Key / .Value (tags).
func (p Params) Map(name string) map[string]string {
	out := map[string]string{}
	entries := append(p.Structs(name), p.Structs(name+".entry")...)
	for _, entry := range entries {
		if k := entry.first("key", "Key", "Name"); k != "" {
			out[k] = entry.first("value", "Value")
		}
	}
	return out
}

func (p Params) first(keys ...string) string {
	for _, k := range keys {
		if v := p.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func listIndex(key, name string) (int, bool) {
	rest, ok := strings.CutPrefix(key, name+".")
	if !ok {
		return 0, false
	}
	rest = strings.TrimPrefix(rest, "member.")
	idx, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return idx, true
}

func ordered(indexed map[int]string) []string {
	keys := make([]int, 0, len(indexed))
	for k := range indexed {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, indexed[k])
	}
	return out
}
