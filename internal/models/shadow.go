package models

import (
	"reflect"
)

// Properties is a loosely typed property bag. Values are booleans, numbers,
// strings or nested objects treated as opaque values.
type Properties map[string]any

// ShadowState holds the two sides of a shadow. Delta is only filled in by the
// authority and lists desired properties the device has not reported yet.
type ShadowState struct {
	Desired  Properties `json:"desired,omitempty"`
	Reported Properties `json:"reported,omitempty"`
	Delta    Properties `json:"delta,omitempty"`
}

type ShadowDocument struct {
	State       ShadowState `json:"state"`
	Version     int64       `json:"version,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"`
	ClientToken string      `json:"clientToken,omitempty"`
}

// Clone returns a shallow copy of p. A nil map stays nil.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge applies patch to p and returns the result. A nil value in the patch
// removes the key. p is modified in place when it is non-nil.
func (p Properties) Merge(patch Properties) Properties {
	if len(patch) == 0 {
		return p
	}
	if p == nil {
		p = make(Properties, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(p, k)
			continue
		}
		p[k] = v
	}
	return p
}

// Subset returns the entries of p named in keys. An empty key list selects
// everything. The second return value is false when nothing matched.
func (p Properties) Subset(keys []string) (Properties, bool) {
	if len(p) == 0 {
		return nil, false
	}
	if len(keys) == 0 {
		return p.Clone(), true
	}
	out := make(Properties)
	for _, k := range keys {
		if v, ok := p[k]; ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Delta lists desired properties whose value differs from the reported one.
func Delta(desired, reported Properties) Properties {
	var out Properties
	for k, want := range desired {
		if have, ok := reported[k]; ok && reflect.DeepEqual(have, want) {
			continue
		}
		if out == nil {
			out = make(Properties)
		}
		out[k] = want
	}
	return out
}
