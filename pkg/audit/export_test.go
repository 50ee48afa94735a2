package audit

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportBundle(t *testing.T) {
	s := newTestStore(t, Options{PolicyVersion: "2026.1"})

	for i := 0; i < 3; i++ {
		_, err := s.Append(testActor(), "egress.consulted", "run/r1", map[string]any{"step": i}, "")
		require.NoError(t, err)
	}

	bundle, m, err := s.Export(Query{})
	require.NoError(t, err)
	require.Equal(t, 3, m.EntryCount)
	assert.Equal(t, uint64(1), m.FirstIndex)
	assert.Equal(t, uint64(3), m.LastIndex)
	assert.Equal(t, "2026.1", m.PolicyVersion)

	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)

	var entries, manifest []byte
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		switch f.Name {
		case "entries.jsonl":
			entries = data
		case "manifest.json":
			manifest = data
		}
	}
	require.NotNil(t, entries)
	require.NotNil(t, manifest)

	// The manifest checksum must match the shipped entries file.
	sum := sha256.Sum256(entries)
	var got ExportManifest
	require.NoError(t, json.Unmarshal(manifest, &got))
	assert.Equal(t, hex.EncodeToString(sum[:]), got.EntriesSHA256)

	// The chain head in the manifest is the live head.
	state, err := s.State()
	require.NoError(t, err)
	assert.Equal(t, state.PrevHash, got.ChainHead)
}

func TestExportRejectsBadWindow(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Append(testActor(), "a", "", nil, "")
	require.NoError(t, err)

	from := s.clock()
	_, _, err = s.Export(Query{From: from, To: from.Add(-1)})
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
}

func TestExportEmptyWindow(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Append(testActor(), "a", "", nil, "")
	require.NoError(t, err)

	_, _, err = s.Export(Query{Action: "never.happened"})
	assert.ErrorIs(t, err, ErrNoEntries)
}
