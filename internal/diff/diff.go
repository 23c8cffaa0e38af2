// Package diff compares two JSON value trees and reports where they differ.
//
// The migrator uses it to check that what landed in the target store
// serializes back to the source document it came from.
package diff

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dimagi/caseledger/internal/model"
)

// Kind classifies one difference.
type Kind string

const (
	// KindMissing: the path exists on one side only.
	KindMissing Kind = "missing"
	// KindType: both sides have the path with values of different kinds.
	KindType Kind = "type"
	// KindDiff: same kind, different value.
	KindDiff Kind = "diff"
)

// Diff is one difference between an old (source) and new (target) tree.
// Old or New is nil when the path is missing on that side.
type Diff struct {
	Kind Kind
	Path []string
	Old  model.Value
	New  model.Value
}

// PathString renders the path as "form.visits[2].date".
func (d Diff) PathString() string {
	var b strings.Builder
	for i, seg := range d.Path {
		if i > 0 && !strings.HasPrefix(seg, "[") {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func (d Diff) String() string {
	return fmt.Sprintf("%s %s: %s -> %s", d.Kind, d.PathString(), show(d.Old), show(d.New))
}

func show(v model.Value) string {
	if v == nil {
		return "<missing>"
	}
	b, err := model.MarshalCanonical(v)
	if err != nil {
		return v.Kind()
	}
	return string(b)
}

// MarshalJSON encodes d as {"kind","path","old","new"}; a missing side is
// left out rather than written as null.
func (d Diff) MarshalJSON() ([]byte, error) {
	path := make(model.Array, len(d.Path))
	for i, seg := range d.Path {
		path[i] = model.String(seg)
	}
	obj := model.Object{
		"kind": model.String(d.Kind),
		"path": path,
	}
	if d.Old != nil {
		obj["old"] = d.Old
	}
	if d.New != nil {
		obj["new"] = d.New
	}
	return model.MarshalCanonical(obj)
}

// UnmarshalJSON restores a Diff written by MarshalJSON.
func (d *Diff) UnmarshalJSON(data []byte) error {
	v, err := model.UnmarshalValue(data)
	if err != nil {
		return err
	}
	obj, ok := v.(model.Object)
	if !ok {
		return fmt.Errorf("diff: expected object, got %s", v.Kind())
	}
	kind, _ := obj["kind"].(model.String)
	out := Diff{Kind: Kind(kind), Old: obj["old"], New: obj["new"]}
	if arr, ok := obj["path"].(model.Array); ok {
		for _, seg := range arr {
			s, ok := seg.(model.String)
			if !ok {
				return fmt.Errorf("diff: path segment is %s", seg.Kind())
			}
			out.Path = append(out.Path, string(s))
		}
	}
	*d = out
	return nil
}

// Values compares old and new and returns their differences in path order.
// Equal trees yield an empty, non-nil slice.
func Values(old, cur model.Value) []Diff {
	out := []Diff{}
	walk(nil, old, cur, &out)
	return out
}

// Objects is Values for two objects.
func Objects(old, cur model.Object) []Diff {
	return Values(old, cur)
}

func walk(path []string, old, cur model.Value, out *[]Diff) {
	switch {
	case old == nil && cur == nil:
		return
	case old == nil || cur == nil:
		*out = append(*out, Diff{Kind: KindMissing, Path: clonePath(path), Old: old, New: cur})
		return
	case old.Kind() != cur.Kind():
		*out = append(*out, Diff{Kind: KindType, Path: clonePath(path), Old: old, New: cur})
		return
	}

	switch o := old.(type) {
	case model.Object:
		n := cur.(model.Object)
		for _, key := range unionKeys(o, n) {
			walk(append(path, key), o[key], n[key], out)
		}
	case model.Array:
		n := cur.(model.Array)
		for i := 0; i < max(len(o), len(n)); i++ {
			var ov, nv model.Value
			if i < len(o) {
				ov = o[i]
			}
			if i < len(n) {
				nv = n[i]
			}
			walk(append(path, "["+strconv.Itoa(i)+"]"), ov, nv, out)
		}
	default:
		if !sameScalar(old, cur) {
			*out = append(*out, Diff{Kind: KindDiff, Path: clonePath(path), Old: old, New: cur})
		}
	}
}

// sameScalar compares by canonical encoding, except that decimals compare
// by numeric value so "1.50" equals "1.5".
func sameScalar(a, b model.Value) bool {
	if ad, ok := a.(model.Decimal); ok {
		return ad.Rat().Cmp(b.(model.Decimal).Rat()) == 0
	}
	ab, err := model.MarshalCanonical(a)
	if err != nil {
		return false
	}
	bb, err := model.MarshalCanonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func unionKeys(a, b model.Object) []string {
	seen := make(map[string]bool, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for _, obj := range []model.Object{a, b} {
		for k := range obj {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func clonePath(path []string) []string {
	return append([]string(nil), path...)
}

// Ignore drops diffs whose path starts with any of the given dotted
// prefixes ("form.meta" drops form.meta and everything below it).
func Ignore(diffs []Diff, prefixes ...string) []Diff {
	out := []Diff{}
	for _, d := range diffs {
		if !ignored(d.PathString(), prefixes) {
			out = append(out, d)
		}
	}
	return out
}

func ignored(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+".") || strings.HasPrefix(path, p+"[") {
			return true
		}
	}
	return false
}
