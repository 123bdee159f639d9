// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package clierr gives cmd/noil a small set of categorized,
// user-facing errors and a single FatalError exit path, mirroring the
// teacher's (unretrieved) internal/errors package as reconstructed
// from its call-site shape across cmd/cie
// (errors.NewConfigError/NewInputError/NewInternalError/
// NewPermissionError/NewNetworkError/NewDatabaseError, errors.FatalError).
package clierr

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kraklabs/noil/internal/cliui"
)

// Kind categorizes a UserError for JSON output and exit-code policy.
type Kind string

const (
	KindConfig     Kind = "config"
	KindInput      Kind = "input"
	KindInternal   Kind = "internal"
	KindPermission Kind = "permission"
	KindNetwork    Kind = "network"
	KindDatabase   Kind = "database"
)

// UserError is a CLI-facing error with a short title, a longer
// detail, and an actionable suggestion — the three fields every
// cmd/cie errors.New*Error call supplies.
type UserError struct {
	Kind       Kind
	Title      string
	Detail     string
	Suggestion string
	Err        error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Title, e.Err)
	}
	return e.Title
}

func (e *UserError) Unwrap() error { return e.Err }

func newError(kind Kind, title, detail, suggestion string, err error) *UserError {
	return &UserError{Kind: kind, Title: title, Detail: detail, Suggestion: suggestion, Err: err}
}

func NewConfigError(title, detail, suggestion string, err error) *UserError {
	return newError(KindConfig, title, detail, suggestion, err)
}

func NewInputError(title, detail, suggestion string, err error) *UserError {
	return newError(KindInput, title, detail, suggestion, err)
}

func NewInternalError(title, detail, suggestion string, err error) *UserError {
	return newError(KindInternal, title, detail, suggestion, err)
}

func NewPermissionError(title, detail, suggestion string, err error) *UserError {
	return newError(KindPermission, title, detail, suggestion, err)
}

func NewNetworkError(title, detail, suggestion string, err error) *UserError {
	return newError(KindNetwork, title, detail, suggestion, err)
}

func NewDatabaseError(title, detail, suggestion string, err error) *UserError {
	return newError(KindDatabase, title, detail, suggestion, err)
}

// jsonError is FatalError's --json shape.
type jsonError struct {
	Kind       Kind   `json:"kind"`
	Title      string `json:"title"`
	Detail     string `json:"detail,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FatalError prints err (as JSON if jsonOutput is set, otherwise as
// colored human text) to stderr and exits 1. A plain error is wrapped
// as an internal error so every exit path carries the same shape.
func FatalError(err error, jsonOutput bool) {
	ue, ok := err.(*UserError)
	if !ok {
		ue = NewInternalError("Unexpected error", "", "", err)
	}

	if jsonOutput {
		je := jsonError{Kind: ue.Kind, Title: ue.Title, Detail: ue.Detail, Suggestion: ue.Suggestion}
		if ue.Err != nil {
			je.Error = ue.Err.Error()
		}
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		_ = enc.Encode(je)
		os.Exit(1)
	}

	cliui.Yellow.Fprintln(os.Stderr, ue.Title)
	if ue.Detail != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", ue.Detail)
	}
	if ue.Err != nil {
		fmt.Fprintf(os.Stderr, "  %s\n", ue.Err)
	}
	if ue.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\n%s %s\n", cliui.Label("Suggestion:"), ue.Suggestion)
	}
	os.Exit(1)
}
