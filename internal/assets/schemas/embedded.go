// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time to ensure the CLI and library work
// correctly regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// JobRecordSchema is the embedded job-record JSON schema.
//
// Producers validate records against it before writing to the pending
// partition; readers stay tolerant of additive fields, which the schema
// permits.
//
//go:embed job-record.schema.json
var JobRecordSchema []byte

// ProjectManifestSchema is the embedded project-manifest JSON schema.
//
// This allows manifest validation to work in installed binaries and library
// consumers without requiring the schema files to be present on disk.
//
//go:embed project-manifest.schema.json
var ProjectManifestSchema []byte
