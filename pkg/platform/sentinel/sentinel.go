// Package sentinel defines shared infrastructure error values.
//
// Stores return these (optionally wrapped) so services can translate them
// into domain errors. They represent factual states about stored resources,
// not validation failures:
//   - ErrNotFound: record does not exist in the store
//   - ErrVersionConflict: optimistic write lost to a concurrent writer
//   - ErrTerminal: session already reached a terminal status; no mutation allowed
//   - ErrStaleAttempt: write carried a superseded stage attempt token
//   - ErrDuplicateFingerprint: an equivalent submission already has a session
//   - ErrUnavailable: backing storage temporarily unreachable
//
// For validation errors (bad input, missing fields) use pkg/domain-errors.
package sentinel

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrVersionConflict      = errors.New("version conflict")
	ErrTerminal             = errors.New("session is terminal")
	ErrStaleAttempt         = errors.New("stale attempt token")
	ErrDuplicateFingerprint = errors.New("duplicate submission fingerprint")
	ErrUnavailable          = errors.New("unavailable")
)
