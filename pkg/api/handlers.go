package api

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
	"github.com/Mindburn-Labs/tccflow/pkg/catalog"
	"github.com/Mindburn-Labs/tccflow/pkg/entropy"
	"github.com/Mindburn-Labs/tccflow/pkg/flow"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
	"github.com/Mindburn-Labs/tccflow/pkg/model"
	"github.com/Mindburn-Labs/tccflow/pkg/reversal"
)

// Wire encodings of byte payloads.
const (
	EncodingText   = "text"
	EncodingBase64 = "base64"
	EncodingHex    = "hex"
)

// OperationRequest is the request body shared by every operation.
type OperationRequest struct {
	Script         string   `json:"script"`
	InputData      string   `json:"input_data"`
	InputEncoding  string   `json:"input_encoding"`
	AESKey         string   `json:"aes_key"`
	Ed25519Key     string   `json:"ed25519_key"`
	ModelName      string   `json:"model_name"`
	NumLayers      int      `json:"num_layers"`
	IncludeKeccak  bool     `json:"include_keccak"`
	DetachedHash   bool     `json:"detached_hash"`
	Temperature    *float64 `json:"temperature"`
	CommitEntropy  string   `json:"commit_entropy"`
	RevealEntropy  string   `json:"reveal_entropy"`
	UserID         string   `json:"user_id"`
	Fee            int64    `json:"fee"`
	ShardID        string   `json:"shard_id"`
	ArbitraryInput string   `json:"arbitrary_input"`
	TargetOutput   string   `json:"target_output"`
	TargetEncoding string   `json:"target_encoding"`
	Chunk          []byte   `json:"chunk"`
}

func (o *OperationRequest) variant() (catalog.Variant, error) {
	return catalog.ParseVariant(o.Script)
}

func (o *OperationRequest) options() catalog.Options {
	return catalog.Options{
		IncludeKeccak: o.IncludeKeccak,
		DetachedHash:  o.DetachedHash,
		ModelName:     o.ModelName,
		NumLayers:     o.NumLayers,
	}
}

func (o *OperationRequest) target(v catalog.Variant) ([]byte, error) {
	enc := o.TargetEncoding
	if enc == "" && v == catalog.VariantModel {
		enc = reversal.EncodingText
	}
	return reversal.DecodeTarget(o.TargetOutput, enc)
}

// Payload is a byte value on the wire.
type Payload struct {
	Value    string `json:"value"`
	Encoding string `json:"encoding"`
}

// OperationError reports a failed sub-operation of a combined execute.
type OperationError struct {
	Kind   flowerr.Kind `json:"kind"`
	Detail string       `json:"detail"`
}

// MatchReport is the reverse_arbitrary verdict.
type MatchReport struct {
	Match  bool   `json:"match"`
	Output string `json:"output"`
	Target string `json:"target"`
	RunID  string `json:"run_id"`
}

// ExecuteResponse is the result of POST /execute.
type ExecuteResponse struct {
	RunID          string                 `json:"run_id"`
	Script         string                 `json:"script"`
	Steps          []string               `json:"steps"`
	Output         string                 `json:"output"`
	OutputEncoding string                 `json:"output_encoding"`
	Logs           []auditlog.Entry       `json:"logs"`
	Commitment     *entropy.Commitment    `json:"commitment,omitempty"`
	Reveal         *entropy.RevealReceipt `json:"reveal,omitempty"`
	SamplingSeed   string                 `json:"sampling_seed,omitempty"`
	Reconstructed  *Payload               `json:"reconstructed,omitempty"`
	Match          *MatchReport           `json:"match,omitempty"`
	ReverseError   *OperationError        `json:"reverse_error,omitempty"`
}

// ReverseResponse is the result of POST /reverse.
type ReverseResponse struct {
	RunID         string           `json:"run_id"`
	Output        string           `json:"output"`
	Reconstructed Payload          `json:"reconstructed"`
	Logs          []auditlog.Entry `json:"logs"`
}

// ArbitraryResponse is the result of POST /reverse_arbitrary.
type ArbitraryResponse struct {
	Output string           `json:"output"`
	Match  MatchReport      `json:"match"`
	Logs   []auditlog.Entry `json:"logs"`
}

// CommitResponse is the result of POST /commit_entropy.
type CommitResponse struct {
	Output         string              `json:"output"`
	CommitmentHash string              `json:"commitment_hash"`
	Commitment     *entropy.Commitment `json:"commitment"`
}

// RevealResponse is the result of POST /reveal_entropy.
type RevealResponse struct {
	Output     string                 `json:"output"`
	PoolDigest string                 `json:"pool_digest"`
	Receipt    *entropy.RevealReceipt `json:"receipt"`
}

// ShardResponse describes a shard.
type ShardResponse struct {
	Output      string `json:"output,omitempty"`
	ShardID     string `json:"shard_id"`
	OwnerUserID string `json:"owner_user_id"`
	CreatedAt   string `json:"created_at"`
	ChunkCount  int    `json:"chunk_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
	return nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) error {
	var req OperationRequest
	if err := s.decodeRequest(w, r, "execute", &req); err != nil {
		return err
	}
	v, err := req.variant()
	if err != nil {
		return err
	}
	input, err := decodeInput("input_data", req.InputData, req.InputEncoding)
	if err != nil {
		return err
	}
	fr := flow.Request{
		Variant:    v,
		Input:      input,
		AESKey:     req.AESKey,
		Ed25519Key: req.Ed25519Key,
		Options:    req.options(),
	}
	// Everything validatable is checked before the first commit or append.
	if err := s.flow.ValidateInput(v, "input_data", input); err != nil {
		return err
	}
	prepared, err := s.flow.Prepare(fr)
	if err != nil {
		return err
	}
	var target []byte
	if req.TargetOutput != "" {
		if target, err = req.target(v); err != nil {
			return err
		}
	}
	var candidate []byte
	if req.ArbitraryInput != "" {
		if target == nil {
			return flowerr.Validation("execute", "arbitrary_input requires target_output")
		}
		if candidate, err = decodeInput("arbitrary_input", req.ArbitraryInput, req.InputEncoding); err != nil {
			return err
		}
		if err := s.flow.ValidateInput(v, "arbitrary_input", candidate); err != nil {
			return err
		}
	}
	if req.CommitEntropy != "" || req.RevealEntropy != "" {
		if req.UserID == "" {
			return flowerr.Validation("execute", "user_id is required for entropy operations")
		}
	}

	resp := &ExecuteResponse{Script: v.Script(), Steps: prepared.Spec.StepNames()}
	ctx := r.Context()
	if req.CommitEntropy != "" {
		if resp.Commitment, err = s.entropy.Commit(ctx, req.UserID, req.CommitEntropy); err != nil {
			return err
		}
	}
	if req.RevealEntropy != "" {
		resp.Reveal, err = s.entropy.Reveal(ctx, entropy.RevealRequest{
			UserID:  req.UserID,
			Value:   []byte(req.RevealEntropy),
			Fee:     req.Fee,
			ShardID: req.ShardID,
		})
		if err != nil {
			return err
		}
	}
	if v == catalog.VariantModel {
		sampling, seed := s.sampling(req.Temperature)
		prepared.Env.Sampling = sampling
		fr.Sampling = sampling
		resp.SamplingSeed = seed
	}

	res, err := s.flow.Run(ctx, prepared, input)
	if err != nil {
		return err
	}
	resp.RunID = res.RunID
	resp.Output, resp.OutputEncoding = encodeOutput(v, res.Output)
	resp.Logs = res.Entries

	switch {
	case candidate != nil:
		m, err := s.reversal.ReverseArbitrary(ctx, reversal.ArbitraryRequest{
			Variant: v, Input: candidate, Target: target,
			AESKey: req.AESKey, Ed25519Key: req.Ed25519Key,
			Options: req.options(), Sampling: fr.Sampling,
		})
		if err != nil {
			resp.ReverseError = operationError(err)
		} else {
			resp.Match = matchReport(v, m)
			resp.Logs = append(resp.Logs, m.Entries...)
		}
	case target != nil:
		rec, err := s.reversal.Reverse(ctx, reversal.ReverseRequest{
			Variant: v, Target: target,
			AESKey: req.AESKey, Ed25519Key: req.Ed25519Key,
			Options: req.options(),
		})
		if rec != nil {
			resp.Logs = append(resp.Logs, rec.Entries...)
		}
		if err != nil {
			resp.ReverseError = operationError(err)
		} else {
			p := encodePayload(rec.Input)
			resp.Reconstructed = &p
		}
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// sampling seeds decoding with the current pool digest.
func (s *Server) sampling(temperature *float64) (*model.Sampling, string) {
	if temperature == nil || *temperature <= 0 {
		return nil, ""
	}
	digest := s.entropy.Pool().Digest()
	seed, err := hex.DecodeString(digest)
	if err != nil {
		seed = []byte(digest)
	}
	return &model.Sampling{Seed: seed, Temperature: *temperature}, digest
}

func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) error {
	var req OperationRequest
	if err := s.decodeRequest(w, r, "reverse", &req); err != nil {
		return err
	}
	v, err := req.variant()
	if err != nil {
		return err
	}
	target, err := req.target(v)
	if err != nil {
		return err
	}
	rec, err := s.reversal.Reverse(r.Context(), reversal.ReverseRequest{
		Variant: v, Target: target,
		AESKey: req.AESKey, Ed25519Key: req.Ed25519Key,
		Options: req.options(),
	})
	if err != nil {
		return err
	}
	p := encodePayload(rec.Input)
	writeJSON(w, http.StatusOK, &ReverseResponse{
		RunID:         rec.RunID,
		Output:        "Reconstructed input: " + p.Value,
		Reconstructed: p,
		Logs:          rec.Entries,
	})
	return nil
}

func (s *Server) handleReverseArbitrary(w http.ResponseWriter, r *http.Request) error {
	var req OperationRequest
	if err := s.decodeRequest(w, r, "reverse_arbitrary", &req); err != nil {
		return err
	}
	v, err := req.variant()
	if err != nil {
		return err
	}
	target, err := req.target(v)
	if err != nil {
		return err
	}
	candidate, err := decodeInput("arbitrary_input", req.ArbitraryInput, req.InputEncoding)
	if err != nil {
		return err
	}
	sampling, _ := s.sampling(req.Temperature)
	m, err := s.reversal.ReverseArbitrary(r.Context(), reversal.ArbitraryRequest{
		Variant: v, Input: candidate, Target: target,
		AESKey: req.AESKey, Ed25519Key: req.Ed25519Key,
		Options: req.options(), Sampling: sampling,
	})
	if err != nil {
		return err
	}
	out := "No match: arbitrary input does not produce the target output"
	if m.Match {
		out = "Match: arbitrary input produces the target output"
	}
	writeJSON(w, http.StatusOK, &ArbitraryResponse{Output: out, Match: *matchReport(v, m), Logs: m.Entries})
	return nil
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) error {
	var req OperationRequest
	if err := s.decodeRequest(w, r, "commit_entropy", &req); err != nil {
		return err
	}
	if _, err := req.variant(); err != nil {
		return err
	}
	rec, err := s.entropy.Commit(r.Context(), req.UserID, req.CommitEntropy)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, &CommitResponse{
		Output:         "Commitment stored for " + rec.UserID,
		CommitmentHash: rec.CommitmentHash,
		Commitment:     rec,
	})
	return nil
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) error {
	var req OperationRequest
	if err := s.decodeRequest(w, r, "reveal_entropy", &req); err != nil {
		return err
	}
	if _, err := req.variant(); err != nil {
		return err
	}
	receipt, err := s.entropy.Reveal(r.Context(), entropy.RevealRequest{
		UserID:  req.UserID,
		Value:   []byte(req.RevealEntropy),
		Fee:     req.Fee,
		ShardID: req.ShardID,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, &RevealResponse{
		Output:     "Entropy revealed, pool digest " + receipt.PoolDigest,
		PoolDigest: receipt.PoolDigest,
		Receipt:    receipt,
	})
	return nil
}

func (s *Server) handleEntropyStatus(w http.ResponseWriter, r *http.Request) error {
	state, rec := s.entropy.Status(chi.URLParam(r, "user_id"))
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "commitment": rec})
	return nil
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) error {
	snap := s.entropy.Pool().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_digest":    snap.Digest,
		"engine_digests": snap.EngineDigests,
		"absorptions":    snap.Absorptions,
		"required_fee":   s.entropy.RequiredFee(),
	})
	return nil
}

func (s *Server) handleDeployShard(w http.ResponseWriter, r *http.Request) error {
	var req OperationRequest
	if err := s.decodeRequest(w, r, "deploy_shard", &req); err != nil {
		return err
	}
	if _, err := req.variant(); err != nil {
		return err
	}
	sh, err := s.shards.Deploy(r.Context(), req.UserID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, &ShardResponse{
		Output:      "Shard deployed: " + sh.ID,
		ShardID:     sh.ID,
		OwnerUserID: sh.OwnerUserID,
		CreatedAt:   sh.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	})
	return nil
}

func (s *Server) handleGetShard(w http.ResponseWriter, r *http.Request) error {
	sh, err := s.shards.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, &ShardResponse{
		ShardID:     sh.ID,
		OwnerUserID: sh.OwnerUserID,
		CreatedAt:   sh.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		ChunkCount:  sh.ChunkCount(),
	})
	return nil
}

func (s *Server) handleListShards(w http.ResponseWriter, r *http.Request) error {
	userID := chi.URLParam(r, "user_id")
	list, err := s.shards.ListByOwner(r.Context(), userID)
	if err != nil {
		return err
	}
	out := make([]ShardResponse, 0, len(list))
	for _, sh := range list {
		out = append(out, ShardResponse{
			ShardID:     sh.ID,
			OwnerUserID: sh.OwnerUserID,
			CreatedAt:   sh.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			ChunkCount:  sh.ChunkCount(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "shards": out})
	return nil
}

func (s *Server) handleAppendChunk(w http.ResponseWriter, r *http.Request) error {
	var req OperationRequest
	if err := s.decodeRequest(w, r, "append_chunk", &req); err != nil {
		return err
	}
	id := chi.URLParam(r, "id")
	n, err := s.shards.AppendChunk(r.Context(), id, req.Chunk)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"shard_id": id, "chunk_count": n})
	return nil
}

func (s *Server) handleReadLog(w http.ResponseWriter, r *http.Request) error {
	file, err := auditlog.ParseLogFile(chi.URLParam(r, "file"))
	if err != nil {
		return err
	}
	entries, err := s.logs.ReadAll(file)
	if err != nil {
		return flowerr.Wrap(flowerr.KindInternal, "read_log", err, "read %s", file)
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file":       file,
		"public_key": s.logs.PublicKey(),
		"entries":    entries,
	})
	return nil
}

func (s *Server) handleVerifyLog(w http.ResponseWriter, r *http.Request) error {
	file, err := auditlog.ParseLogFile(chi.URLParam(r, "file"))
	if err != nil {
		return err
	}
	v, err := s.logs.VerifyChain(file)
	if err != nil {
		return flowerr.Wrap(flowerr.KindInternal, "verify_log", err, "verify %s", file)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file":         file,
		"public_key":   s.logs.PublicKey(),
		"verification": v,
	})
	return nil
}

func decodeInput(field, s, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "", EncodingText:
		return []byte(s), nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, flowerr.Validation(field, "%s must be valid base64", field)
		}
		return b, nil
	}
	return nil, flowerr.Validation(field, "unknown input encoding %q, use text or base64", encoding)
}

// encodeOutput renders flow output: hex for the crypto variant, decoded text
// for the model variant.
func encodeOutput(v catalog.Variant, b []byte) (string, string) {
	if v == catalog.VariantModel && utf8.Valid(b) {
		return string(b), EncodingText
	}
	return hex.EncodeToString(b), EncodingHex
}

// encodePayload renders arbitrary bytes as text when they are valid UTF-8
// and base64 otherwise.
func encodePayload(b []byte) Payload {
	if utf8.Valid(b) {
		return Payload{Value: string(b), Encoding: EncodingText}
	}
	return Payload{Value: base64.StdEncoding.EncodeToString(b), Encoding: EncodingBase64}
}

func matchReport(v catalog.Variant, m *reversal.MatchResult) *MatchReport {
	out, _ := encodeOutput(v, m.Output)
	target, _ := encodeOutput(v, m.Target)
	return &MatchReport{Match: m.Match, Output: out, Target: target, RunID: m.RunID}
}

func operationError(err error) *OperationError {
	kind := flowerr.KindOf(err)
	detail := flowerr.MessageOf(err)
	if kind == flowerr.KindInternal {
		detail = "internal error"
	}
	return &OperationError{Kind: kind, Detail: detail}
}
