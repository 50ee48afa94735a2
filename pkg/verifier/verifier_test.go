package verifier

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/compliance"
	"github.com/wardenhq/warden/pkg/kms"
)

func exportedBundle(t *testing.T) string {
	t.Helper()

	provider, err := kms.NewLocalProvider(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)
	s, err := audit.NewStore(audit.Options{Dir: t.TempDir()},
		compliance.NewMode(compliance.LevelStaging, nil), kms.NewManager(provider), nil)
	require.NoError(t, err)
	defer s.Close()

	actor := audit.Actor{Subject: "agent-7", Role: "runner", Tenant: "acme"}
	for i := 0; i < 4; i++ {
		_, err := s.Append(actor, "step.executed", "run/r1", map[string]any{"step": i}, "")
		require.NoError(t, err)
	}

	bundle, _, err := s.Export(audit.Query{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "export.zip")
	require.NoError(t, os.WriteFile(path, bundle, 0o600))
	return path
}

func TestVerifyBundleValid(t *testing.T) {
	report, err := VerifyBundle(exportedBundle(t))
	require.NoError(t, err)
	assert.True(t, report.Verified, "%+v", report.Checks)
	require.NotNil(t, report.Manifest)
	assert.Equal(t, 4, report.Manifest.EntryCount)
}

func TestVerifyBundleTamperedEntries(t *testing.T) {
	path := exportedBundle(t)

	// Rewrite the bundle with one flipped byte inside entries.jsonl.
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())

		if f.Name == "entries.jsonl" {
			data = bytes.Replace(data, []byte(`"step":0`), []byte(`"step":9`), 1)
		}
		w, err := zw.Create(f.Name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zr.Close())
	require.NoError(t, zw.Close())

	tampered := filepath.Join(t.TempDir(), "tampered.zip")
	require.NoError(t, os.WriteFile(tampered, out.Bytes(), 0o600))

	report, err := VerifyBundle(tampered)
	require.NoError(t, err)
	assert.False(t, report.Verified)
}

func TestVerifyBundleMissingManifest(t *testing.T) {
	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	f, err := zw.Create("entries.jsonl")
	require.NoError(t, err)
	_, err = f.Write([]byte("{}\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "partial.zip")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o600))

	report, err := VerifyBundle(path)
	require.NoError(t, err)
	assert.False(t, report.Verified)
	require.NotEmpty(t, report.Checks)
	assert.Equal(t, "structure", report.Checks[0].Name)
	assert.False(t, report.Checks[0].Passed)
}

func TestVerifyBundleUnreadable(t *testing.T) {
	_, err := VerifyBundle(filepath.Join(t.TempDir(), "nope.zip"))
	require.Error(t, err)
}
