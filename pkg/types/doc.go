// Package types defines the data model shared across the worker
// executor: worker and component identity, the oplog entry tagged
// union, derived worker status, promises, and the executor's error
// taxonomy. These types cross every package boundary in this module
// without any package owning a private copy.
package types
