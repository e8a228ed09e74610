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

package software

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"

	"github.com/google/uuid"
	"github.com/youmark/pkcs8"

	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster"
	"github.com/jeremyhahn/go-keyfuzz/pkg/keymaster/wrapping"
	"github.com/jeremyhahn/go-keyfuzz/pkg/storage"
)

// GenerateKey creates a key described by params.
func (d *Device) GenerateKey(params keymaster.AuthorizationSet) (*keymaster.KeyBlob, *keymaster.KeyCharacteristics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, nil, ErrDeviceClosed
	}
	spec, err := checkKeyParams(params)
	if err != nil {
		return nil, nil, err
	}
	material, err := d.generateMaterial(spec)
	if err != nil {
		return nil, nil, err
	}
	return d.issueKey(params, spec, material, keymaster.OriginGenerated)
}

func (d *Device) generateMaterial(spec keySpec) ([]byte, error) {
	var priv crypto.PrivateKey
	var err error
	switch spec.algorithm {
	case keymaster.AlgorithmRSA:
		priv, err = rsa.GenerateKey(rand.Reader, int(spec.keySize))
	case keymaster.AlgorithmEC:
		priv, err = ecdsa.GenerateKey(ecCurves[spec.curve].curve, rand.Reader)
	default:
		return d.readRandom(int(spec.keySize / 8))
	}
	if err != nil {
		return nil, fail(keymaster.ErrorUnknownError, "generate %s key: %v", spec.algorithm, err)
	}
	der, err := pkcs8.MarshalPrivateKey(priv, nil, nil)
	if err != nil {
		return nil, fail(keymaster.ErrorUnknownError, "encode %s key: %v", spec.algorithm, err)
	}
	return der, nil
}

// issueKey records a new key and returns its blob and characteristics.
// Callers must hold d.mu.
func (d *Device) issueKey(params keymaster.AuthorizationSet, spec keySpec, material []byte,
	origin keymaster.KeyOrigin) (*keymaster.KeyBlob, *keymaster.KeyCharacteristics, error) {

	auths := params.Without(keymaster.TagNonce, keymaster.TagOrigin, keymaster.TagOSVersion, keymaster.TagOSPatchlevel)
	if !auths.Contains(keymaster.TagKeySize) {
		auths = auths.Push(keymaster.UintParam(keymaster.TagKeySize, spec.keySize))
	}
	if spec.algorithm == keymaster.AlgorithmEC && !auths.Contains(keymaster.TagEcCurve) {
		auths = auths.Push(keymaster.EnumParam(keymaster.TagEcCurve, spec.curve))
	}
	auths = auths.Push(
		keymaster.EnumParam(keymaster.TagOrigin, origin),
		keymaster.UintParam(keymaster.TagOSVersion, d.cfg.OSVersion),
		keymaster.UintParam(keymaster.TagOSPatchlevel, d.cfg.OSPatchlevel),
	)

	rec := &keyRecord{ID: uuid.NewString(), Params: auths, Material: material}
	if err := d.register(rec); err != nil {
		return nil, nil, err
	}
	blob, err := d.seal(rec)
	if err != nil {
		_ = storage.DeleteRecord(d.store, rec.ID)
		return nil, nil, err
	}
	kc := d.characteristics(rec.Params)
	d.trackKey(blob, kc)
	d.cfg.Logger.Debug("issued key", "id", rec.ID, "algorithm", spec.algorithm.String(),
		"size", spec.keySize, "origin", int(origin))
	return blob, kc, nil
}

// characteristics splits a record's authorizations by enforcement point.
// Application binding tags are never reported.
func (d *Device) characteristics(params keymaster.AuthorizationSet) *keymaster.KeyCharacteristics {
	kc := &keymaster.KeyCharacteristics{}
	for _, p := range params.Clone() {
		switch {
		case p.Tag == keymaster.TagApplicationID || p.Tag == keymaster.TagApplicationData:
		case d.cfg.SecurityLevel != keymaster.SecurityLevelSoftware && hardwareTags[p.Tag]:
			kc.HardwareEnforced = append(kc.HardwareEnforced, p)
		default:
			kc.SoftwareEnforced = append(kc.SoftwareEnforced, p)
		}
	}
	return kc
}

// ImportKey imports keyData. PKCS8 is accepted for RSA and EC keys and RAW
// for AES and HMAC keys.
func (d *Device) ImportKey(params keymaster.AuthorizationSet, format keymaster.KeyFormat,
	keyData []byte) (*keymaster.KeyBlob, *keymaster.KeyCharacteristics, error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, nil, ErrDeviceClosed
	}
	return d.importKey(params, format, keyData, keymaster.OriginImported)
}

// importKey reconciles params with the key material, filling in size and
// curve when the caller left them out. Callers must hold d.mu.
func (d *Device) importKey(params keymaster.AuthorizationSet, format keymaster.KeyFormat, keyData []byte,
	origin keymaster.KeyOrigin) (*keymaster.KeyBlob, *keymaster.KeyCharacteristics, error) {

	var actual keySpec
	var material []byte

	switch format {
	case keymaster.KeyFormatPKCS8:
		key, err := pkcs8.ParsePKCS8PrivateKey(keyData)
		if err != nil {
			return nil, nil, fail(keymaster.ErrorInvalidArgument, "parse PKCS8: %v", err)
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			actual = keySpec{algorithm: keymaster.AlgorithmRSA, keySize: uint32(k.N.BitLen())}
			if e, ok := params.GetValue(keymaster.TagRSAPublicExponent); ok && e != uint64(k.E) {
				return nil, nil, fail(keymaster.ErrorImportParameterMismatch, "public exponent %d, key has %d", e, k.E)
			}
		case *ecdsa.PrivateKey:
			curve, ok := curveOf(&k.PublicKey)
			if !ok {
				return nil, nil, fail(keymaster.ErrorUnsupportedEcCurve, "curve %s", k.Curve.Params().Name)
			}
			actual = keySpec{algorithm: keymaster.AlgorithmEC, keySize: ecCurves[curve].size, curve: curve}
		default:
			return nil, nil, fail(keymaster.ErrorUnsupportedAlgorithm, "PKCS8 key type %T", key)
		}
		material, err = pkcs8.MarshalPrivateKey(key, nil, nil)
		if err != nil {
			return nil, nil, fail(keymaster.ErrorUnknownError, "encode imported key: %v", err)
		}

	case keymaster.KeyFormatRaw:
		algV, _ := params.GetUint(keymaster.TagAlgorithm)
		alg := keymaster.Algorithm(algV)
		if alg != keymaster.AlgorithmAES && alg != keymaster.AlgorithmHMAC {
			return nil, nil, fail(keymaster.ErrorIncompatibleKeyFormat, "RAW import of %s", alg)
		}
		actual = keySpec{algorithm: alg, keySize: uint32(len(keyData)) * 8}
		material = append([]byte(nil), keyData...)

	default:
		return nil, nil, fail(keymaster.ErrorUnsupportedKeyFormat, "import format %s", format)
	}

	full := params.Clone()
	if algV, ok := full.GetUint(keymaster.TagAlgorithm); !ok {
		return nil, nil, fail(keymaster.ErrorUnsupportedAlgorithm, "algorithm not specified")
	} else if keymaster.Algorithm(algV) != actual.algorithm {
		return nil, nil, fail(keymaster.ErrorImportParameterMismatch, "algorithm %s, key is %s",
			keymaster.Algorithm(algV), actual.algorithm)
	}
	if size, ok := full.GetUint(keymaster.TagKeySize); ok {
		if size != actual.keySize {
			return nil, nil, fail(keymaster.ErrorImportParameterMismatch, "key size %d, key has %d", size, actual.keySize)
		}
	} else {
		full = full.Push(keymaster.UintParam(keymaster.TagKeySize, actual.keySize))
	}
	if actual.algorithm == keymaster.AlgorithmEC {
		if c, ok := full.GetUint(keymaster.TagEcCurve); ok && keymaster.EcCurve(c) != actual.curve {
			return nil, nil, fail(keymaster.ErrorImportParameterMismatch, "curve %d, key has %d", c, actual.curve)
		}
	}

	spec, err := checkKeyParams(full)
	if err != nil {
		return nil, nil, err
	}
	return d.issueKey(full, spec, material, origin)
}

// ImportWrappedKey unwraps wrappedKeyData with the RSA key in wrappingKey
// and imports the result with origin SECURELY_IMPORTED. The authorizations
// come from the wrapped key description.
func (d *Device) ImportWrappedKey(wrappedKeyData []byte, wrappingKey *keymaster.KeyBlob, maskingKey []byte,
	unwrappingParams keymaster.AuthorizationSet, passwordSID, biometricSID uint64) (*keymaster.KeyBlob, *keymaster.KeyCharacteristics, error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, nil, ErrDeviceClosed
	}
	appID, _ := unwrappingParams.GetBytes(keymaster.TagApplicationID)
	appData, _ := unwrappingParams.GetBytes(keymaster.TagApplicationData)
	wrapRec, err := d.loadKey(wrappingKey, appID, appData)
	if err != nil {
		return nil, nil, err
	}
	if wrapRec.algorithm() != keymaster.AlgorithmRSA {
		return nil, nil, fail(keymaster.ErrorIncompatibleAlgorithm, "wrapping key is %s", wrapRec.algorithm())
	}
	if !wrapRec.Params.ContainsValue(keymaster.TagPurpose, uint64(keymaster.PurposeWrapKey)) {
		return nil, nil, fail(keymaster.ErrorIncompatiblePurpose, "wrapping key lacks WRAP_KEY")
	}
	if len(maskingKey) != wrapping.TransportKeySize {
		return nil, nil, fail(keymaster.ErrorInvalidArgument, "masking key is %d bytes", len(maskingKey))
	}
	priv, err := pkcs8.ParsePKCS8PrivateKeyRSA(wrapRec.Material)
	if err != nil {
		return nil, nil, fail(keymaster.ErrorInvalidKeyBlob, "wrapping key material: %v", err)
	}

	material, w, err := wrapping.Unwrap(wrappedKeyData, priv, maskingKey)
	switch {
	case errors.Is(err, wrapping.ErrDecryption):
		return nil, nil, fail(keymaster.ErrorImportedKeyDecryptionFailed, "%v", err)
	case err != nil:
		return nil, nil, fail(keymaster.ErrorInvalidArgument, "%v", err)
	}
	d.cfg.Logger.Debug("unwrapped key", "format", w.Format.String(),
		"password_sid", passwordSID, "biometric_sid", biometricSID)
	return d.importKey(w.Description, w.Format, material, keymaster.OriginSecurelyImported)
}

// GetKeyCharacteristics returns the authorizations bound to blob.
func (d *Device) GetKeyCharacteristics(blob *keymaster.KeyBlob, clientID, appData []byte) (*keymaster.KeyCharacteristics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}
	rec, err := d.loadKey(blob, clientID, appData)
	if err != nil {
		return nil, err
	}
	kc := d.characteristics(rec.Params)
	d.trackKey(nil, kc)
	return kc, nil
}

// ExportKey exports the public half of an RSA or EC key as a PKIX
// SubjectPublicKeyInfo. Symmetric keys cannot be exported.
func (d *Device) ExportKey(format keymaster.KeyFormat, blob *keymaster.KeyBlob, clientID, appData []byte) (*keymaster.Blob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}
	rec, err := d.loadKey(blob, clientID, appData)
	if err != nil {
		return nil, err
	}
	if d.requiresUpgrade(rec) {
		return nil, keymaster.ErrorKeyRequiresUpgrade
	}
	if format != keymaster.KeyFormatX509 {
		return nil, fail(keymaster.ErrorUnsupportedKeyFormat, "export format %s", format)
	}
	alg := rec.algorithm()
	if alg != keymaster.AlgorithmRSA && alg != keymaster.AlgorithmEC {
		return nil, fail(keymaster.ErrorUnsupportedKeyFormat, "%s keys have no public part", alg)
	}
	priv, err := pkcs8.ParsePKCS8PrivateKey(rec.Material)
	if err != nil {
		return nil, fail(keymaster.ErrorInvalidKeyBlob, "key material: %v", err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fail(keymaster.ErrorInvalidKeyBlob, "key type %T", priv)
	}
	der, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fail(keymaster.ErrorUnknownError, "marshal public key: %v", err)
	}
	return d.trackBlob(der), nil
}

func (d *Device) requiresUpgrade(rec *keyRecord) bool {
	patch, _ := rec.Params.GetUint(keymaster.TagOSPatchlevel)
	return patch < d.cfg.OSPatchlevel
}

// UpgradeKey re-issues a blob created under an older patch level. It
// returns a nil blob when the key is already current.
func (d *Device) UpgradeKey(blob *keymaster.KeyBlob, params keymaster.AuthorizationSet) (*keymaster.KeyBlob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}
	appID, _ := params.GetBytes(keymaster.TagApplicationID)
	appData, _ := params.GetBytes(keymaster.TagApplicationData)
	rec, err := d.loadKey(blob, appID, appData)
	if err != nil {
		return nil, err
	}
	patch, _ := rec.Params.GetUint(keymaster.TagOSPatchlevel)
	switch {
	case patch == d.cfg.OSPatchlevel:
		return nil, nil
	case patch > d.cfg.OSPatchlevel:
		return nil, fail(keymaster.ErrorInvalidArgument, "key patch level %d is newer than device %d", patch, d.cfg.OSPatchlevel)
	}

	upgraded := &keyRecord{
		ID: rec.ID,
		Params: rec.Params.Without(keymaster.TagOSVersion, keymaster.TagOSPatchlevel).Push(
			keymaster.UintParam(keymaster.TagOSVersion, d.cfg.OSVersion),
			keymaster.UintParam(keymaster.TagOSPatchlevel, d.cfg.OSPatchlevel),
		),
		Material: rec.Material,
	}
	if err := d.register(upgraded); err != nil {
		return nil, err
	}
	out, err := d.seal(upgraded)
	if err != nil {
		return nil, err
	}
	d.trackKey(out, nil)
	d.cfg.Logger.Debug("upgraded key", "id", rec.ID, "from", patch, "to", d.cfg.OSPatchlevel)
	return out, nil
}

// DeleteKey removes blob's record from the registry. Deleting a key twice
// yields INVALID_KEY_BLOB.
func (d *Device) DeleteKey(blob *keymaster.KeyBlob) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	rec, err := d.open(blob)
	if err != nil {
		return err
	}
	err = storage.DeleteRecord(d.store, rec.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(keymaster.ErrorInvalidKeyBlob, "key %s already deleted", rec.ID)
	}
	if err != nil {
		return fail(keymaster.ErrorUnknownError, "registry: %v", err)
	}
	d.cfg.Logger.Debug("deleted key", "id", rec.ID)
	return nil
}

// DeleteAllKeys empties the registry. Live operations keep running.
func (d *Device) DeleteAllKeys() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	n, err := storage.DeleteAllRecords(d.store)
	if err != nil {
		return fail(keymaster.ErrorUnknownError, "registry: %v", err)
	}
	d.cfg.Logger.Debug("deleted all keys", "count", n)
	return nil
}
