package state

import (
	"reflect"
	"sort"
	"strings"
)

// StateChange maps the JSON name of every field that differs between two
// snapshots to its new value. An empty StateChange means nothing changed.
type StateChange map[string]any

func (c StateChange) Has(field string) bool {
	_, ok := c[field]
	return ok
}

func (c StateChange) IsEmpty() bool {
	return len(c) == 0
}

// Fields returns the changed field names, sorted.
func (c StateChange) Fields() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type fieldInfo struct {
	index int
	name  string
}

var stateFields = func() []fieldInfo {
	t := reflect.TypeOf(StoreState{})
	out := make([]fieldInfo, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			name = f.Name
		}
		out = append(out, fieldInfo{index: i, name: name})
	}
	return out
}()

// Diff compares old and updated field by field using value equality.
func Diff(old, updated StoreState) StateChange {
	change := StateChange{}
	if old == updated {
		return change
	}
	ov := reflect.ValueOf(old)
	nv := reflect.ValueOf(updated)
	for _, f := range stateFields {
		a := ov.Field(f.index).Interface()
		b := nv.Field(f.index).Interface()
		if a != b {
			change[f.name] = b
		}
	}
	return change
}

// FieldNames lists every StoreState field name that can appear in a
// StateChange, in declaration order.
func FieldNames() []string {
	out := make([]string, len(stateFields))
	for i, f := range stateFields {
		out[i] = f.name
	}
	return out
}
