// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/support/sets"
)

// params writes the hyperparameters of the checkpoints. Rows whose values differ across checkpoints are
// highlighted.
func params(w io.Writer, ctxs []*context.Context, names []string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	table := newTableWithReds()
	headers := []string{"Scope", "Name", "Type"}
	if len(names) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.Table.Headers(headers...)

	type scopeKey struct{ Scope, Key string }
	scopeKeySet := sets.Make[scopeKey]()
	for _, ctx := range ctxs {
		ctx.EnumerateParams(func(scope, key string, _ any) {
			scopeKeySet.Insert(scopeKey{Scope: scope, Key: key})
		})
	}
	scopeKeys := make([]scopeKey, 0, len(scopeKeySet))
	for pair := range scopeKeySet {
		scopeKeys = append(scopeKeys, pair)
	}
	slices.SortFunc(scopeKeys, func(a, b scopeKey) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Key, b.Key))
	})

	for _, pair := range scopeKeys {
		row := make([]string, 3+len(ctxs))
		row[0], row[1] = pair.Scope, pair.Key
		for ii, ctx := range ctxs {
			value, found := ctx.InAbsPath(pair.Scope).GetParam(pair.Key)
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		table.Row(!isAllEqual(row[3:]), row...)
	}
	_, _ = fmt.Fprintln(w, table.Table.Render())
}
