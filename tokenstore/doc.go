// Package tokenstore persists continuation tokens between lookups.
//
// A continuation token is only useful together with the set of numbers the
// lookup that produced it covered: the next lookup presents those numbers as
// previous, adds the new ones and discards the ones no longer wanted.
// Entry.NextRequest computes that split.
package tokenstore
