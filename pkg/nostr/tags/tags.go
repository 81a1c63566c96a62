package tags

import (
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tag"
)

// T is the tag list of an event. Order is significant and repeats are
// allowed, so lookups come in first, last and all flavours.
type T []tag.T

// GetFirst gets the first tag in tags that matches the prefix, see
// [tag.T.StartsWith]
func (t T) GetFirst(tagPrefix ...string) tag.T {
	for _, v := range t {
		if v.StartsWith(tagPrefix) {
			return v
		}
	}
	return nil
}

// GetLast gets the last tag in tags that matches the prefix, see
// [tag.T.StartsWith]
func (t T) GetLast(tagPrefix ...string) tag.T {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].StartsWith(tagPrefix) {
			return t[i]
		}
	}
	return nil
}

// GetAll gets all the tags that match the prefix, see [tag.T.StartsWith]
func (t T) GetAll(tagPrefix ...string) T {
	result := make(T, 0, len(t))
	for _, v := range t {
		if v.StartsWith(tagPrefix) {
			result = append(result, v)
		}
	}
	return result
}

// Values returns the second element of every tag with the given key that has
// one, in order.
func (t T) Values(key string) (vals []string) {
	for _, v := range t {
		if len(v) >= 2 && v.Key() == key {
			vals = append(vals, v.Value())
		}
	}
	return
}

// ContainsAny returns true if any of the strings given in `values` matches any
// of the tag elements.
func (t T) ContainsAny(tagName string, values ...string) bool {
	for _, v := range t {
		if len(v) < 2 {
			continue
		}
		if v.Key() != tagName {
			continue
		}
		for _, candidate := range values {
			if v.Value() == candidate {
				return true
			}
		}
	}
	return false
}

// Clone makes a deep copy.
func (t T) Clone() T {
	if t == nil {
		return nil
	}
	c := make(T, len(t))
	for i := range t {
		c[i] = t[i].Clone()
	}
	return c
}

func (t T) Equals(o T) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if !t[i].Equals(o[i]) {
			return false
		}
	}
	return true
}
