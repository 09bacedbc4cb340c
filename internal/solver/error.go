package solver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/osbuild/dnf-json/internal/depsolve"
	"github.com/osbuild/dnf-json/internal/gpgkey"
	"github.com/osbuild/dnf-json/internal/repoconf"
	"github.com/osbuild/dnf-json/internal/request"
	"github.com/osbuild/dnf-json/internal/sack"
)

// Error is the tagged error written to stdout on failure. Kind is one
// of the values the orchestrator dispatches on; Reason is free text.
type Error struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Classify maps any error leaving the solver to its tagged form.
// Classification happens exactly once, here; the packages below this
// boundary return their own error types and never know about kinds.
func Classify(err error) Error {
	var tagged Error
	if errors.As(err, &tagged) {
		return tagged
	}

	var validation request.ValidationError
	if errors.As(err, &validation) {
		return Error{Kind: "InvalidRequest", Reason: validation.Reason}
	}
	var invalid repoconf.InvalidError
	if errors.As(err, &invalid) {
		return Error{Kind: "InvalidRequest", Reason: invalid.Reason}
	}
	var keyRead gpgkey.KeyReadError
	if errors.As(err, &keyRead) {
		return Error{Kind: "GPGKeyReadError", Reason: keyRead.Error()}
	}
	var load sack.LoadError
	if errors.As(err, &load) {
		return Error{Kind: "RepoError", Reason: load.Error()}
	}
	var marking depsolve.MarkingError
	if errors.As(err, &marking) {
		return Error{Kind: "MarkingErrors", Reason: strings.Join(marking.Specs, ", ")}
	}
	var unsolvable depsolve.UnsolvableError
	if errors.As(err, &unsolvable) {
		return Error{Kind: "DepsolveError", Reason: unsolvable.Error()}
	}

	return Error{Kind: "Error", Reason: err.Error()}
}
