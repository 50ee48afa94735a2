package kms

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *LocalProvider) {
	t.Helper()
	p, err := NewLocalProvider(filepath.Join(t.TempDir(), "keystore.json"))
	require.NoError(t, err)
	return NewManager(p), p
}

func TestSignAndVerify(t *testing.T) {
	m, _ := newTestManager(t)

	sig, err := m.SignHMAC(PurposeAuditSigning, []byte("entry-hash"))
	require.NoError(t, err)
	assert.Contains(t, sig, "v1:")

	assert.NoError(t, m.VerifyHMAC(PurposeAuditSigning, []byte("entry-hash"), sig))
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	m, _ := newTestManager(t)

	sig, err := m.SignHMAC(PurposeAuditSigning, []byte("original"))
	require.NoError(t, err)

	err = m.VerifyHMAC(PurposeAuditSigning, []byte("tampered"), sig)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestPurposesDoNotInterchange(t *testing.T) {
	m, _ := newTestManager(t)

	sig, err := m.SignHMAC(PurposeAuditSigning, []byte("data"))
	require.NoError(t, err)

	// Same data, same seed version, different purpose: must not verify.
	err = m.VerifyHMAC(PurposeAPIAuth, []byte("data"), sig)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestUnknownPurposeRejected(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.SignHMAC(Purpose("session-cookies"), []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownPurpose)
}

func TestRotationKeepsOldVersionsVerifiable(t *testing.T) {
	m, _ := newTestManager(t)

	sig1, err := m.SignHMAC(PurposeAuditSigning, []byte("pre-rotation"))
	require.NoError(t, err)

	v, err := m.RotateKey()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	sig2, err := m.SignHMAC(PurposeAuditSigning, []byte("post-rotation"))
	require.NoError(t, err)
	assert.Contains(t, sig2, "v2:")

	// Both generations still verify.
	assert.NoError(t, m.VerifyHMAC(PurposeAuditSigning, []byte("pre-rotation"), sig1))
	assert.NoError(t, m.VerifyHMAC(PurposeAuditSigning, []byte("post-rotation"), sig2))
}

func TestKeystorePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	p1, err := NewLocalProvider(path)
	require.NoError(t, err)
	m1 := NewManager(p1)
	sig, err := m1.SignHMAC(PurposeAuditSigning, []byte("durable"))
	require.NoError(t, err)

	p2, err := NewLocalProvider(path)
	require.NoError(t, err)
	m2 := NewManager(p2)
	assert.NoError(t, m2.VerifyHMAC(PurposeAuditSigning, []byte("durable"), sig))
}

func TestExternalProviderFailsClosed(t *testing.T) {
	m := NewManager(NewExternalProvider("https://kms.internal.example"))
	_, err := m.SignHMAC(PurposeAuditSigning, []byte("x"))
	assert.Error(t, err)
}

func TestMalformedSignatureRejected(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Error(t, m.VerifyHMAC(PurposeAuditSigning, []byte("x"), "not-versioned"))
	assert.Error(t, m.VerifyHMAC(PurposeAuditSigning, []byte("x"), "v99:AAAA"))
}
