package engine

import "fmt"

// DuplicateKeyError reports a unique-key collision: two live rows on the
// same side share one unique key. The engine never merges such rows
// silently; the cycle aborts and the key is surfaced for diagnosis.
type DuplicateKeyError struct {
	Table  string
	Key    string
	Remote bool
}

func (e *DuplicateKeyError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("%s uniqueness violated in %s: duplicate key %s", side, e.Table, e.Key)
}

// MissingPathError reports a record that lacks a configured unique-key
// path. This is a configuration error: the path set must be total over the
// table.
type MissingPathError struct {
	Table    string
	Path     string
	RecordID string
}

func (e *MissingPathError) Error() string {
	return fmt.Sprintf("record %s/%s is missing unique-key path %q", e.Table, e.RecordID, e.Path)
}
