// Package oplog implements the Oplog Store: a per-worker,
// append-only event sequence spanning three physical tiers, with
// deleted-region masking, replica acknowledgement, and full-text
// search over the human-readable rendering of entries.
package oplog

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cortexworks/wexec/pkg/types"
)

// Wire versions. versionPlain is used for the primary tier; versionGzip
// for archived tiers. Both decode into the same types.OplogEntry shape,
// so additive struct fields remain forward-compatible for replay —
// json.Unmarshal ignores fields a decoder doesn't know about, and a
// genuinely unreadable payload (corrupt gzip stream or malformed JSON)
// is surfaced rather than silently dropped, matching the tagged-union codec's
// fail-closed instruction for unknown entries that affect status.
const (
	versionPlain uint16 = 1
	versionGzip  uint16 = 2
)

// Encode renders entry as an uncompressed versioned record, the format
// always used when appending to the primary tier.
func Encode(entry types.OplogEntry) ([]byte, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("oplog: marshal entry: %w", err)
	}
	buf := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(buf, versionPlain)
	return append(buf, body...), nil
}

// EncodeCompressed renders entry gzip-compressed at the given level,
// used when migrating entries into an archive tier.
func EncodeCompressed(entry types.OplogEntry, level int) ([]byte, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("oplog: marshal entry: %w", err)
	}
	var buf bytes.Buffer
	buf.Write([]byte{0, 0})
	binary.BigEndian.PutUint16(buf.Bytes()[0:2], versionGzip)
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("oplog: init gzip writer: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("oplog: compress entry: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("oplog: finalize compressed entry: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode/EncodeCompressed, transparently handling
// either wire version.
func Decode(raw []byte) (types.OplogEntry, error) {
	var entry types.OplogEntry
	if len(raw) < 2 {
		return entry, fmt.Errorf("oplog: entry too short (%d bytes)", len(raw))
	}
	version := binary.BigEndian.Uint16(raw[0:2])
	body := raw[2:]

	switch version {
	case versionGzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return entry, fmt.Errorf("oplog: open compressed entry: %w", err)
		}
		defer r.Close()
		plain, err := io.ReadAll(r)
		if err != nil {
			return entry, fmt.Errorf("oplog: decompress entry: %w", err)
		}
		body = plain
	case versionPlain:
		// body already plain JSON.
	default:
		// Unknown version: attempt best-effort decode as plain JSON
		// (an additive future version is likely still JSON-shaped);
		// any failure is surfaced so the caller can fail the worker
		// closed rather than silently misinterpreting the entry.
	}

	if err := json.Unmarshal(body, &entry); err != nil {
		return entry, fmt.Errorf("oplog: decode entry (wire version %d): %w", version, err)
	}
	return entry, nil
}
