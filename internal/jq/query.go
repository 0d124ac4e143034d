// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jq evaluates precompiled jq expressions over decoded JSON.
package jq

import (
	"context"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = time.Second

// Query is a compiled jq expression.
type Query struct {
	expr string
	code *gojq.Code
}

// Compile parses and compiles expr.
func Compile(expr string) (*Query, error) {
	parsed, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", expr, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed for %q: %w", expr, err)
	}
	return &Query{expr: expr, code: code}, nil
}

// MustCompile is Compile for expressions known at init time.
func MustCompile(expr string) *Query {
	q, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return q
}

// Expr returns the source expression.
func (q *Query) Expr() string { return q.expr }

// First returns the first non-null result, or nil when there is none.
func (q *Query) First(ctx context.Context, data any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	iter := q.code.RunWithContext(ctx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil, nil
		}
		if err, isErr := v.(error); isErr {
			if halt, ok := err.(*gojq.HaltError); ok && halt.Value() == nil {
				return nil, nil
			}
			return nil, fmt.Errorf("%s: %w", q.expr, err)
		}
		if v != nil {
			return v, nil
		}
	}
}

// Text evaluates q and returns its first result as a string. Numbers are
// formatted; a missing value yields "".
func (q *Query) Text(ctx context.Context, data any) (string, error) {
	v, err := q.First(ctx, data)
	if err != nil || v == nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case map[string]any, []any:
		return "", fmt.Errorf("%s: expected a scalar, got %T", q.expr, v)
	default:
		return fmt.Sprint(t), nil
	}
}
