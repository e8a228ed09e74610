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
	"bytes"
	"cmp"
	"slices"

	"github.com/jeremyhahn/go-keyfuzz/internal/statemodel"
	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
)

// Action runs one named operation against dev using the target's session
// and the fuzz buffer. The returned bytes are a copy of the device output
// and remain valid after every device result has been released.
type Action func(dev keymaster.Device, s *Session, payload []byte) ([]byte, error)

// Session resources an operation can produce or consume.
const (
	ResourceKeyBlob         = "key_blob"
	ResourceOperationHandle = "operation_handle"
)

// Operation binds a name from the functions file to its action.
type Operation struct {
	Name string

	// Failure is the diagnostic written when the action fails.
	Failure string

	Action Action

	// Produces and Consumes name the session resources the action writes
	// and reads.
	Produces []string
	Consumes []string
}

var (
	keyBlobOnly = []string{ResourceKeyBlob}
	handleOnly  = []string{ResourceOperationHandle}
)

var operations = []Operation{
	{Name: "generate_key", Failure: "Key generation failed", Action: generateKey, Produces: keyBlobOnly},
	{Name: "import_key", Failure: "Key import failed", Action: importKey, Produces: keyBlobOnly},
	{Name: "import_wrapped_key", Failure: "Wrapped key import failed", Action: importWrappedKey, Produces: keyBlobOnly},
	{Name: "begin_operation", Failure: "Begin operation failed", Action: beginOperation, Produces: handleOnly, Consumes: keyBlobOnly},
	{Name: "update_operation", Failure: "Update operation failed", Action: updateOperation, Consumes: handleOnly},
	{Name: "finish_operation", Failure: "Finish operation failed", Action: finishOperation, Consumes: handleOnly},
	{Name: "abort_operation", Failure: "Abort operation failed", Action: abortOperation, Consumes: handleOnly},
	{Name: "delete_key", Failure: "Delete key failed", Action: deleteKey, Consumes: keyBlobOnly},
	{Name: "delete_all_keys", Failure: "Delete all keys failed", Action: deleteAllKeys},
	{Name: "export_key", Failure: "Export key failed", Action: exportKey, Consumes: keyBlobOnly},
	{Name: "get_hardware_info", Failure: "Get hardware info failed", Action: getHardwareInfo},
	{Name: "add_rng_entropy", Failure: "Add RNG entropy failed", Action: addRngEntropy},
	{Name: "get_key_characteristics", Failure: "Get key characteristics failed", Action: getKeyCharacteristics, Consumes: keyBlobOnly},
	{Name: "upgrade_key", Failure: "Upgrade key failed", Action: upgradeKey, Produces: keyBlobOnly, Consumes: keyBlobOnly},
}

var operationIndex = func() map[string]int {
	m := make(map[string]int, len(operations))
	for i, op := range operations {
		m[op.Name] = i
	}
	return m
}()

// Lookup returns the operation registered under name.
func Lookup(name string) (Operation, bool) {
	i, ok := operationIndex[name]
	if !ok {
		return Operation{}, false
	}
	return operations[i], true
}

// Signature returns the session resources op produces and consumes.
func (op Operation) Signature() statemodel.Signature {
	return statemodel.Signature{
		Name:     op.Name,
		Produces: slices.Clone(op.Produces),
		Consumes: slices.Clone(op.Consumes),
	}
}

// Operations returns the supported operation names in table order.
func Operations() []string {
	names := make([]string, len(operations))
	for i, op := range operations {
		names[i] = op.Name
	}
	return names
}

// rsaSigningParams describes the RSA-2048 SHA-256 PKCS#1 v1.5 signing key
// used by generate_key and import_key.
func rsaSigningParams() keymaster.AuthorizationSet {
	return keymaster.NewAuthorizationSet(
		keymaster.EnumParam(keymaster.TagAlgorithm, keymaster.AlgorithmRSA),
		keymaster.UintParam(keymaster.TagKeySize, 2048),
		keymaster.UlongParam(keymaster.TagRSAPublicExponent, 65537),
		keymaster.EnumParam(keymaster.TagDigest, keymaster.DigestSHA2_256),
		keymaster.EnumParam(keymaster.TagPadding, keymaster.PaddingRSAPKCS1_1_5Sign),
		keymaster.EnumParam(keymaster.TagPurpose, keymaster.PurposeSign),
		keymaster.EnumParam(keymaster.TagPurpose, keymaster.PurposeVerify),
		keymaster.BoolParam(keymaster.TagNoAuthRequired),
	)
}

func signingBeginParams() keymaster.AuthorizationSet {
	return keymaster.NewAuthorizationSet(
		keymaster.EnumParam(keymaster.TagDigest, keymaster.DigestSHA2_256),
		keymaster.EnumParam(keymaster.TagPadding, keymaster.PaddingRSAPKCS1_1_5Sign),
	)
}

// keepKey stores a freshly issued key in the session and reports the key's
// canonical characteristics. Sealed blob material is never reported: its
// length follows the wrapped key's DER encoding and differs between keys.
// Characteristics are released on every path.
func keepKey(dev keymaster.Device, s *Session, blob *keymaster.KeyBlob,
	kc *keymaster.KeyCharacteristics, err error) ([]byte, error) {

	defer dev.FreeCharacteristics(kc)
	if err != nil {
		dev.FreeKeyBlob(blob)
		return nil, err
	}
	s.replaceBlob(dev, blob)
	return canonicalAuthorizations(kc)
}

func generateKey(dev keymaster.Device, s *Session, _ []byte) ([]byte, error) {
	blob, kc, err := dev.GenerateKey(rsaSigningParams())
	return keepKey(dev, s, blob, kc, err)
}

func importKey(dev keymaster.Device, s *Session, payload []byte) ([]byte, error) {
	blob, kc, err := dev.ImportKey(rsaSigningParams(), keymaster.KeyFormatPKCS8, payload)
	return keepKey(dev, s, blob, kc, err)
}

// importWrappedKey reuses the fuzz buffer as wrapped key, wrapping key blob
// and masking key at once.
func importWrappedKey(dev keymaster.Device, s *Session, payload []byte) ([]byte, error) {
	blob, kc, err := dev.ImportWrappedKey(payload, keymaster.NewKeyBlob(payload), payload,
		keymaster.NewAuthorizationSet(), 0, 0)
	return keepKey(dev, s, blob, kc, err)
}

func beginOperation(dev keymaster.Device, s *Session, _ []byte) ([]byte, error) {
	s.abortLive(dev)
	handle, out, err := dev.Begin(keymaster.PurposeSign, s.Blob, signingBeginParams())
	if err != nil {
		return nil, err
	}
	s.Handle = handle
	if len(out) == 0 {
		return nil, nil
	}
	return out.MarshalBinary()
}

func updateOperation(dev keymaster.Device, s *Session, payload []byte) ([]byte, error) {
	_, out, err := dev.Update(s.Handle, keymaster.NewAuthorizationSet(), payload)
	defer dev.FreeBlob(out)
	if err != nil {
		s.Handle = 0
		return nil, err
	}
	return bytes.Clone(out.Bytes()), nil
}

func finishOperation(dev keymaster.Device, s *Session, payload []byte) ([]byte, error) {
	out, err := dev.Finish(s.Handle, keymaster.NewAuthorizationSet(), payload, nil)
	defer dev.FreeBlob(out)
	s.Handle = 0
	if err != nil {
		return nil, err
	}
	return bytes.Clone(out.Bytes()), nil
}

func abortOperation(dev keymaster.Device, s *Session, _ []byte) ([]byte, error) {
	err := dev.Abort(s.Handle)
	s.Handle = 0
	return nil, err
}

// deleteKey leaves the deleted blob in the session so later operations
// exercise the device's handling of dead blobs.
func deleteKey(dev keymaster.Device, s *Session, _ []byte) ([]byte, error) {
	return nil, dev.DeleteKey(s.Blob)
}

func deleteAllKeys(dev keymaster.Device, _ *Session, _ []byte) ([]byte, error) {
	return nil, dev.DeleteAllKeys()
}

func exportKey(dev keymaster.Device, s *Session, _ []byte) ([]byte, error) {
	out, err := dev.ExportKey(keymaster.KeyFormatX509, s.Blob, nil, nil)
	defer dev.FreeBlob(out)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(out.Bytes()), nil
}

func getHardwareInfo(dev keymaster.Device, _ *Session, _ []byte) ([]byte, error) {
	info, err := dev.HardwareInfo()
	if err != nil {
		return nil, err
	}
	return []byte(info.AuthorName), nil
}

func addRngEntropy(dev keymaster.Device, _ *Session, payload []byte) ([]byte, error) {
	return nil, dev.AddRngEntropy(payload)
}

func getKeyCharacteristics(dev keymaster.Device, s *Session, _ []byte) ([]byte, error) {
	kc, err := dev.GetKeyCharacteristics(s.Blob, nil, nil)
	defer dev.FreeCharacteristics(kc)
	if err != nil {
		return nil, err
	}
	return canonicalAuthorizations(kc)
}

func upgradeKey(dev keymaster.Device, s *Session, _ []byte) ([]byte, error) {
	blob, err := dev.UpgradeKey(s.Blob, keymaster.NewAuthorizationSet())
	if err != nil {
		dev.FreeKeyBlob(blob)
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	s.replaceBlob(dev, blob)
	kc, err := dev.GetKeyCharacteristics(s.Blob, nil, nil)
	defer dev.FreeCharacteristics(kc)
	if err != nil {
		return nil, err
	}
	return canonicalAuthorizations(kc)
}

// canonicalAuthorizations encodes every authorization in kc sorted by tag
// and value, so targets that enforce at different levels still produce
// identical bytes for identical keys.
func canonicalAuthorizations(kc *keymaster.KeyCharacteristics) ([]byte, error) {
	all := kc.All().Clone()
	slices.SortStableFunc(all, func(a, b keymaster.KeyParameter) int {
		if c := cmp.Compare(a.Tag, b.Tag); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Value, b.Value); c != 0 {
			return c
		}
		return bytes.Compare(a.Blob, b.Blob)
	})
	return all.MarshalBinary()
}
