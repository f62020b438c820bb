// Package consistency scores a generated artifact against the stored
// reference vectors of the entities it depicts.
//
// Invariants:
// - A numeric score exists only when at least one referenced entity had a
//   scorable reference vector; otherwise the result is an explicit no-data
//   outcome.
// - Entities without stored reference vectors are excluded from the
//   numeric aggregate and reported as missing among drifted attributes.
// - Drifted attributes are ordered worst-first.
package consistency
