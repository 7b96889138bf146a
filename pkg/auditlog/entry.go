package auditlog

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Mindburn-Labs/tccflow/pkg/canonicalize"
)

// Level is the severity recorded on an entry.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is one persisted line of a log file. Entries are immutable once written.
type Entry struct {
	StepIndex       int      `json:"step_index"`
	Operation       string   `json:"operation"`
	InputData       string   `json:"input_data"`  // base64
	OutputData      string   `json:"output_data"` // base64
	Metadata        Metadata `json:"metadata"`
	LogLevel        Level    `json:"log_level"`
	ErrorCode       string   `json:"error_code"`
	PrevHash        string   `json:"prev_hash"`
	OperationID     string   `json:"operation_id"`
	Timestamp       int64    `json:"timestamp"`
	ExecutionTimeNs int64    `json:"execution_time_ns"`
	Signature       string   `json:"signature,omitempty"`
}

// Input decodes InputData.
func (e *Entry) Input() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.InputData)
}

// Output decodes OutputData.
func (e *Entry) Output() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.OutputData)
}

// hashable is the view that is canonicalized for chaining and signing.
// Nanosecond integers exceed the exact range of JCS numbers, so they are
// carried as decimal strings.
type hashable struct {
	StepIndex       int      `json:"step_index"`
	Operation       string   `json:"operation"`
	InputData       string   `json:"input_data"`
	OutputData      string   `json:"output_data"`
	Metadata        Metadata `json:"metadata"`
	LogLevel        Level    `json:"log_level"`
	ErrorCode       string   `json:"error_code"`
	PrevHash        string   `json:"prev_hash"`
	OperationID     string   `json:"operation_id"`
	Timestamp       string   `json:"timestamp"`
	ExecutionTimeNs string   `json:"execution_time_ns"`
	Signature       string   `json:"signature"`
}

func (e *Entry) view(withSignature bool) hashable {
	h := hashable{
		StepIndex:       e.StepIndex,
		Operation:       e.Operation,
		InputData:       e.InputData,
		OutputData:      e.OutputData,
		Metadata:        e.Metadata,
		LogLevel:        e.LogLevel,
		ErrorCode:       e.ErrorCode,
		PrevHash:        e.PrevHash,
		OperationID:     e.OperationID,
		Timestamp:       strconv.FormatInt(e.Timestamp, 10),
		ExecutionTimeNs: strconv.FormatInt(e.ExecutionTimeNs, 10),
	}
	if withSignature {
		h.Signature = e.Signature
	}
	return h
}

// Hash returns the canonical hash of the entry: SHA-256 over the JCS form
// of every field, signature included. The next entry's PrevHash must equal it.
func (e *Entry) Hash() (string, error) {
	h, err := canonicalize.CanonicalHash(e.view(true))
	if err != nil {
		return "", fmt.Errorf("failed to hash entry: %w", err)
	}
	return h, nil
}

// SigningPayload returns the bytes covered by the entry signature.
func (e *Entry) SigningPayload() ([]byte, error) {
	return canonicalize.JCS(e.view(false))
}

// Field is one key of an ordered metadata mapping.
type Field struct {
	Key   string
	Value any
}

// Metadata is an ordered mapping of string keys to JSON values. Order is
// preserved on the wire; hashing is order-independent through JCS.
type Metadata []Field

// Set replaces key or appends it.
func (m Metadata) Set(key string, value any) Metadata {
	for i := range m {
		if m[i].Key == key {
			m[i].Value = value
			return m
		}
	}
	return append(m, Field{Key: key, Value: value})
}

// Get returns the raw value stored under key.
func (m Metadata) Get(key string) (any, bool) {
	for _, f := range m {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// String returns the value under key decoded as a string.
func (m Metadata) String(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(t, &s); err == nil {
			return s
		}
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", f.Key, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("metadata must be an object")
	}
	out := Metadata{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("metadata key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("metadata %q: %w", key, err)
		}
		out = append(out, Field{Key: key, Value: raw})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}
