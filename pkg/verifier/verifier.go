// Package verifier checks exported audit bundles offline. It has no
// dependency on the live service: an auditor with only the zip file can
// confirm that the entries are complete, untampered, and correctly
// chained up to the head recorded in the manifest.
package verifier

import (
	"archive/zip"
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/wardenhq/warden/pkg/audit"
)

// Report is the outcome of a bundle verification.
type Report struct {
	Bundle   string  `json:"bundle"`
	Verified bool    `json:"verified"`
	Checks   []Check `json:"checks"`

	Manifest *audit.ExportManifest `json:"manifest,omitempty"`
}

// Check is one verification step.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

func (r *Report) add(name string, passed bool, reason string) bool {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Reason: reason})
	if !passed {
		r.Verified = false
	}
	return passed
}

// VerifyBundle opens an export zip and runs every check. The report is
// returned even when verification fails; the error is reserved for
// unreadable input.
func VerifyBundle(path string) (*Report, error) {
	r := &Report{Bundle: path, Verified: true}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("verifier: open bundle: %w", err)
	}
	defer zr.Close()

	entriesData, entriesErr := readBundleFile(&zr.Reader, "entries.jsonl")
	manifestData, manifestErr := readBundleFile(&zr.Reader, "manifest.json")
	if !r.add("structure", entriesErr == nil && manifestErr == nil,
		structureReason(entriesErr, manifestErr)) {
		return r, nil
	}

	var m audit.ExportManifest
	if !r.add("manifest_parse", json.Unmarshal(manifestData, &m) == nil, "") {
		return r, nil
	}
	r.Manifest = &m

	sum := sha256.Sum256(entriesData)
	r.add("entries_checksum", hex.EncodeToString(sum[:]) == m.EntriesSHA256,
		"entries.jsonl does not match the manifest checksum")

	entries, err := decodeEntries(entriesData)
	if !r.add("entries_parse", err == nil, errString(err)) {
		return r, nil
	}
	r.add("entry_count", len(entries) == m.EntryCount,
		fmt.Sprintf("manifest promises %d entries, bundle holds %d", m.EntryCount, len(entries)))

	verifyChain(r, entries, &m)
	return r, nil
}

// verifyChain replays hashes and indexes across the exported entries.
func verifyChain(r *Report, entries []audit.Entry, m *audit.ExportManifest) {
	prevHash := ""
	prevIndex := uint64(0)

	for i := range entries {
		e := &entries[i]

		if prevIndex != 0 && e.Index != prevIndex+1 {
			r.add("index_continuity", false,
				fmt.Sprintf("entry %d follows entry %d", e.Index, prevIndex))
			return
		}
		// File rotation resets prev_hash inside a full-ledger export;
		// within one continuous span it must chain exactly.
		if e.PrevHash != "" && prevHash != "" && e.PrevHash != prevHash {
			r.add("hash_chain", false,
				fmt.Sprintf("entry %d does not chain to its predecessor", e.Index))
			return
		}

		computed, err := e.ContentHash()
		if err != nil || computed != e.EntryHash {
			r.add("content_hash", false,
				fmt.Sprintf("entry %d content hash mismatch", e.Index))
			return
		}

		prevHash = e.EntryHash
		prevIndex = e.Index
	}

	r.add("index_continuity", true, "")
	r.add("hash_chain", true, "")
	r.add("content_hash", true, "")

	// A full export must land on the manifest's recorded head.
	if m.LastIndex == m.FirstIndex+uint64(m.EntryCount)-1 {
		r.add("chain_head", prevHash == m.ChainHead,
			"replayed head does not match the manifest chain head")
	}
}

func decodeEntries(data []byte) ([]audit.Entry, error) {
	var out []audit.Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("verifier: entry %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func readBundleFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s missing", name)
}

func structureReason(entriesErr, manifestErr error) string {
	switch {
	case entriesErr != nil:
		return entriesErr.Error()
	case manifestErr != nil:
		return manifestErr.Error()
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// WriteReport renders the report for humans.
func WriteReport(w io.Writer, r *Report) {
	fmt.Fprintf(w, "%s\n", r.Bundle)
	for _, c := range r.Checks {
		mark := "pass"
		if !c.Passed {
			mark = "FAIL"
		}
		if c.Reason != "" && !c.Passed {
			fmt.Fprintf(w, "  %s  %-18s %s\n", mark, c.Name, c.Reason)
		} else {
			fmt.Fprintf(w, "  %s  %s\n", mark, c.Name)
		}
	}
	if r.Verified {
		fmt.Fprintln(w, "  verified")
	} else {
		fmt.Fprintln(w, "  NOT VERIFIED")
	}
}
