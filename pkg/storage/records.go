// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyfuzz.
//
// go-keyfuzz is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package storage

import (
	"errors"
	"fmt"
	"strings"
)

const (
	recordPrefix = "keys/"
	recordSuffix = ".rec"
)

// RecordPath returns the storage path for the key record with the given ID.
// The path follows the convention: keys/{id}.rec
func RecordPath(id string) string {
	return recordPrefix + id + recordSuffix
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\\x00") || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// SaveRecord stores data under the record path for id.
func SaveRecord(backend Backend, id string, data []byte) error {
	if err := validateID(id); err != nil {
		return err
	}
	return backend.Put(RecordPath(id), data, DefaultOptions())
}

// GetRecord returns the data stored for id.
func GetRecord(backend Backend, id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return backend.Get(RecordPath(id))
}

// RecordExists reports whether a record for id is present.
func RecordExists(backend Backend, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	return backend.Exists(RecordPath(id))
}

// DeleteRecord removes the record for id. Returns ErrNotFound if absent.
func DeleteRecord(backend Backend, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	return backend.Delete(RecordPath(id))
}

// ListRecords returns the IDs of all stored records in sorted order.
func ListRecords(backend Backend) ([]string, error) {
	keys, err := backend.List(recordPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if !strings.HasSuffix(k, recordSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, recordPrefix), recordSuffix)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteAllRecords removes every stored record and returns how many were
// removed. Records that disappear concurrently are not an error.
func DeleteAllRecords(backend Backend) (int, error) {
	ids, err := ListRecords(backend)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		err := backend.Delete(RecordPath(id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("storage: delete record %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}
