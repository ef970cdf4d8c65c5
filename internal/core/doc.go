// Package core provides the business logic for spreadsheet version control.
//
// This package contains all domain logic independent of any storage backend
// or transport layer. It can be used by web handlers, CLI tools, or tests
// without modification: persistence is reached only through the [Repository],
// [BlobStore] and [DiffCache] interfaces.
//
// # Architecture
//
// The package is organized around a few collaborating engines:
//
//   - Content store: content-addressed storage of canonical grids.
//     Identical data is stored once, keyed by its SHA-256 hash.
//   - Version graph: immutable versions forming a DAG per spreadsheet,
//     with merge base computation.
//   - Diff engine: key-based or positional alignment of two grids,
//     producing row, column and cell changes.
//   - Conflict detector: three-way comparison of two versions against
//     their common ancestor.
//   - Merge resolver: merge requests, resolution strategies and synthesis
//     of merged versions.
//
// [Service] wires the engines together and is the main entry point.
//
// # Ingest
//
//  1. Client calls [Service.CreateVersion] with a CSV or JSON payload
//  2. The payload is parsed into a rectangular [Grid] and canonicalized
//  3. The canonical bytes are stored once under their content hash
//  4. A [Version] is recorded with the spreadsheet head as its parent
//
// CSV bodies are read through [WrapForStreaming], which honours a BOM,
// repairs invalid UTF-8 and enforces the payload ceiling.
//
// # Merging
//
// A merge of versions A and B finds their common ancestor, detects
// conflicts and, when there are none, creates the merged version directly.
// Otherwise a [MergeRequest] records the conflicts; a [Strategy] or manual
// resolutions settle them and finalization creates the merged version.
//
// # Error Handling
//
// Domain failures are typed ([ValidationError], [NotFoundError],
// [ConflictStateError], [CrossSpreadsheetError], [StorageUnavailableError])
// and mapped to user-facing messages with codes by [MapError].
package core
