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

package harness

import (
	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
)

// Session is the per-target state carried between dispatched operations.
// Nothing is reset between operations: a blob produced by one operation is
// consumed by the next operation that needs a key.
type Session struct {
	Blob            *keymaster.KeyBlob
	Characteristics *keymaster.KeyCharacteristics
	Handle          keymaster.OperationHandle
}

// replaceBlob stores blob and releases the blob it replaces.
func (s *Session) replaceBlob(dev keymaster.Device, blob *keymaster.KeyBlob) {
	if s.Blob != nil && s.Blob != blob {
		dev.FreeKeyBlob(s.Blob)
	}
	s.Blob = blob
}

// abortLive aborts the session handle if one is live.
func (s *Session) abortLive(dev keymaster.Device) {
	if s.Handle != 0 {
		_ = dev.Abort(s.Handle)
		s.Handle = 0
	}
}

// Release aborts a live operation and hands every device result the
// session holds back to dev. The session is empty afterwards.
func (s *Session) Release(dev keymaster.Device) {
	s.abortLive(dev)
	if s.Characteristics != nil {
		dev.FreeCharacteristics(s.Characteristics)
		s.Characteristics = nil
	}
	s.replaceBlob(dev, nil)
}
