// Package weft is a multi-store data-synchronization engine.
//
// weft propagates entity mutations across heterogeneous stores (a primary
// database, caches, a search index, external APIs) and across regions,
// preserving per-entity ordering, detecting concurrent writes, resolving
// conflicts, invalidating caches, and continuously auditing cross-store
// consistency.
//
// The importable surface lives under internal/ and is exposed through the
// weft CLI (cmd/weft). This package carries only version metadata.
package weft

// Version is the current weft release version.
const Version = "0.4.1"
