// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a string to any data type that is "scoped".
package scoped

import (
	"strings"

	"github.com/gomlx/distill/pkg/support/xslices"
)

// Params provides a mapping from string to any data type that is "scoped":
//
//   - For every scope there is a map of string to data.
//   - Accessing a key triggers a search from the current scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the current Params hold:
//
//	Scope: "/": { "temperature": 1.0, "top_k": 0 }
//	Scope: "/eval": { "temperature": 0.7 }
//	Scope: "/eval/greedy": { "top_k": 1 }
//
//	Params.Get("/eval/greedy", "top_k") -> 1
//	Params.Get("/eval/greedy", "temperature") -> 0.7
//	Params.Get("/train", "temperature") -> 1.0
//
// Notice that "/" (== Separator) separates parts of the scope path, and the root
// scope is referred to as "/". There is no "empty" scope, and every scope name must start with
// a Separator.
//
// The Context object uses Params to store the hyperparameters of the training run.
type Params struct {
	Separator  string
	scopeToMap map[string]map[string]any
}

// New create an empty scoped Params.
func New(scopeSeparator string) *Params {
	return &Params{
		Separator:  scopeSeparator,
		scopeToMap: make(map[string]map[string]any),
	}
}

// Clone returns a deep copy of the Params. Values themselves are shallow copied.
func (p *Params) Clone() *Params {
	newParams := New(p.Separator)
	for scope, dataMap := range p.scopeToMap {
		newMap := make(map[string]any, len(dataMap))
		for key, value := range dataMap {
			newMap[key] = value
		}
		newParams.scopeToMap[scope] = newMap
	}
	return newParams
}

// Set sets the value for the given key, in the given scope.
func (p *Params) Set(scope, key string, value any) {
	dataMap, found := p.scopeToMap[scope]
	if !found || dataMap == nil {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// Get retrieves the value for the given key in the given scope or any parent scope.
// E.g: Get("/a/b", "myKey") will search for "myKey" in scopes "/a/b", "/a" and "/"
// consecutively until "myKey" is found.
//
// It returns the first value found if any, and whether some value was found.
func (p *Params) Get(scope, key string) (value any, found bool) {
	for {
		if dataMap := p.scopeToMap[scope]; dataMap != nil {
			if value, found = dataMap[key]; found {
				return
			}
		}
		if scope == p.Separator || scope == "" {
			return nil, false
		}
		idx := strings.LastIndex(scope, p.Separator)
		if idx <= 0 {
			scope = p.Separator
		} else {
			scope = scope[:idx]
		}
	}
}

// Delete removes the key from the given scope only. It returns whether the key was there.
func (p *Params) Delete(scope, key string) bool {
	dataMap := p.scopeToMap[scope]
	if dataMap == nil {
		return false
	}
	_, found := dataMap[key]
	delete(dataMap, key)
	return found
}

// Enumerate enumerates all parameters stored in the Params structure, sorted by scope and then key,
// and calls the given closure with them.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	for _, scope := range xslices.SortedKeys(p.scopeToMap) {
		keyValues := p.scopeToMap[scope]
		for _, key := range xslices.SortedKeys(keyValues) {
			fn(scope, key, keyValues[key])
		}
	}
}
