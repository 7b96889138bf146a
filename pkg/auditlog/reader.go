package auditlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Mindburn-Labs/tccflow/pkg/canonicalize"
	"github.com/Mindburn-Labs/tccflow/pkg/crypto"
)

// Verification is the result of recomputing a chain.
type Verification struct {
	OK            bool   `json:"ok"`
	Entries       int    `json:"entries"`
	FirstMismatch int    `json:"first_mismatch"` // -1 when OK
	Reason        string `json:"reason,omitempty"`
	ChainHead     string `json:"chain_head"`
}

func marshalLine(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	// Encode terminates with '\n', which is the line delimiter.
	return buf.Bytes(), nil
}

// completeLength returns the length of data up to and including its last newline.
func completeLength(data []byte) int {
	return bytes.LastIndexByte(data, '\n') + 1
}

// ReadFile parses a log file. A missing file is an empty log. A trailing
// line without its newline is an append in progress and is not returned.
// Malformed complete lines are errors: the log is append-only, so they can
// only come from tampering or corruption.
func ReadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // caller selects from the fixed log set
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	return parseLines(data[:completeLength(data)])
}

func parseLines(data []byte) ([]Entry, error) {
	entries := make([]Entry, 0)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("malformed entry on line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log: %w", err)
	}
	return entries, nil
}

// VerifyFile recomputes the hash chain of the log at path. When pubKeyHex is
// non-empty every entry's signature is checked too.
func VerifyFile(path, pubKeyHex string) (*Verification, error) {
	entries, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return VerifyEntries(entries, pubKeyHex), nil
}

// VerifyEntries checks that every entry links to the canonical hash of its
// predecessor and that the first links to the zero digest.
func VerifyEntries(entries []Entry, pubKeyHex string) *Verification {
	v := &Verification{OK: true, Entries: len(entries), FirstMismatch: -1, ChainHead: canonicalize.ZeroDigest}
	expectedPrev := canonicalize.ZeroDigest
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != expectedPrev {
			return v.fail(i, fmt.Sprintf("entry %d has prev_hash %s but expected %s", i, e.PrevHash, expectedPrev))
		}
		if pubKeyHex != "" {
			payload, err := e.SigningPayload()
			if err != nil {
				return v.fail(i, fmt.Sprintf("entry %d cannot be canonicalized: %v", i, err))
			}
			ok, err := crypto.Verify(pubKeyHex, e.Signature, payload)
			if err != nil || !ok {
				return v.fail(i, fmt.Sprintf("entry %d signature invalid", i))
			}
		}
		h, err := e.Hash()
		if err != nil {
			return v.fail(i, fmt.Sprintf("entry %d cannot be hashed: %v", i, err))
		}
		expectedPrev = h
	}
	v.ChainHead = expectedPrev
	return v
}

func (v *Verification) fail(index int, reason string) *Verification {
	v.OK = false
	v.FirstMismatch = index
	v.Reason = reason
	return v
}
