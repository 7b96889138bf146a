// Package reversal recovers flow inputs from outputs.
//
// Reverse applies exact inverses backward and refuses at the first one-way
// step. ReverseArbitrary never inverts anything: it re-runs the forward
// pipeline on a candidate input and compares outputs byte for byte.
package reversal

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
	"github.com/Mindburn-Labs/tccflow/pkg/catalog"
	"github.com/Mindburn-Labs/tccflow/pkg/flow"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
	"github.com/Mindburn-Labs/tccflow/pkg/model"
	"github.com/Mindburn-Labs/tccflow/pkg/observability"
)

// OperationPrefix marks inverse-step entries in the log.
const OperationPrefix = "reverse:"

// Target encodings accepted by DecodeTarget.
const (
	EncodingHex  = "hex"
	EncodingText = "text"
)

// ReverseRequest asks for the exact pre-image of Target.
type ReverseRequest struct {
	Variant    catalog.Variant
	Target     []byte
	AESKey     string
	Ed25519Key string
	Options    catalog.Options
}

// Reconstruction is the result of Reverse.
type Reconstruction struct {
	RunID   string
	Input   []byte
	Entries []auditlog.Entry
}

// ArbitraryRequest asks whether the forward flow maps Input to Target.
type ArbitraryRequest struct {
	Variant    catalog.Variant
	Input      []byte
	Target     []byte
	AESKey     string
	Ed25519Key string
	Options    catalog.Options
	Sampling   *model.Sampling
}

// MatchResult is the result of ReverseArbitrary.
type MatchResult struct {
	Match   bool
	Output  []byte
	Target  []byte
	RunID   string
	Entries []auditlog.Entry
}

// Engine runs reversals against the steps and log of a flow engine.
type Engine struct {
	flow   *flow.Engine
	logger *slog.Logger
	clock  func() time.Time
}

// New returns a reversal engine sharing fe's catalog and log.
func New(fe *flow.Engine) *Engine {
	return &Engine{
		flow:   fe,
		logger: slog.Default().With("component", "reversal"),
		clock:  time.Now,
	}
}

// DecodeTarget decodes a wire target. Hex is the default encoding; text is
// the literal UTF-8 bytes, useful for decoded model output.
func DecodeTarget(s, encoding string) ([]byte, error) {
	if s == "" {
		return nil, flowerr.Validation("reverse", "target_output is required")
	}
	switch strings.ToLower(encoding) {
	case "", EncodingHex:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, flowerr.Validation("reverse", "target_output must be valid hex")
		}
		return b, nil
	case EncodingText:
		return []byte(s), nil
	}
	return nil, flowerr.Validation("reverse", "unknown target encoding %q, use hex or text", encoding)
}

// Reverse walks the resolved steps from last to first applying each exact
// inverse, appending one reverse:<step> entry per attempt. It fails with
// non_invertible_step at the first step without an inverse.
func (e *Engine) Reverse(ctx context.Context, req ReverseRequest) (rec *Reconstruction, err error) {
	if len(req.Target) == 0 {
		return nil, flowerr.Validation("reverse", "target_output is required")
	}
	p, err := e.flow.Prepare(flow.Request{
		Variant:    req.Variant,
		AESKey:     req.AESKey,
		Ed25519Key: req.Ed25519Key,
		Options:    req.Options,
	})
	if err != nil {
		return nil, err
	}
	spec := p.Spec
	ctx, finish := e.flow.Observability().TrackOperation(ctx, "flow.reverse",
		observability.FlowOperation(spec.Variant.Script(), len(spec.Steps))...)
	defer func() { finish(err) }()

	rec = &Reconstruction{RunID: uuid.NewString()}
	file := spec.Variant.LogFile()
	data := req.Target

	for i := len(spec.Steps) - 1; i >= 0; i-- {
		step := spec.Steps[i]
		start := e.clock()
		out, stepErr := step.Inverse(data, p.Env)
		elapsed := e.clock().Sub(start)

		entry, appendErr := e.flow.Appender().Append(ctx, file, auditlog.Record{
			StepIndex: i,
			Operation: OperationPrefix + step.Name,
			Input:     data,
			Output:    out,
			Metadata: auditlog.Metadata{}.
				Set("step_index", i).
				Set("step_name", step.Name).
				Set("kind", string(step.Kind)).
				Set("direction", "inverse").
				Set("input_len", len(data)).
				Set("output_len", len(out)).
				Set("invertible", step.Invertible).
				Set("variant", string(spec.Variant)).
				Set("run_id", rec.RunID),
			ErrorCode:     flowerr.KindOf(stepErr),
			ExecutionTime: elapsed,
		})
		if appendErr != nil {
			return nil, flowerr.Wrap(flowerr.KindInternal, "reverse", appendErr, "append inverse of step %d", i)
		}
		rec.Entries = append(rec.Entries, entry)

		if stepErr != nil {
			e.logger.WarnContext(ctx, "reversal stopped",
				"run_id", rec.RunID,
				"step", step.Name,
				"error_code", flowerr.KindOf(stepErr),
			)
			return rec, stepErr
		}
		data = out
	}

	rec.Input = data
	e.logger.InfoContext(ctx, "flow reversed", "run_id", rec.RunID, "script", spec.Variant.Script())
	return rec, nil
}

// ReverseArbitrary re-runs the forward flow on req.Input and reports whether
// the output equals req.Target. The forward run is logged like any execution.
func (e *Engine) ReverseArbitrary(ctx context.Context, req ArbitraryRequest) (*MatchResult, error) {
	if len(req.Target) == 0 {
		return nil, flowerr.Validation("reverse_arbitrary", "target_output is required")
	}
	if len(req.Input) == 0 {
		return nil, flowerr.Validation("reverse_arbitrary", "arbitrary_input is required")
	}
	res, err := e.flow.Execute(ctx, flow.Request{
		Variant:    req.Variant,
		Input:      req.Input,
		AESKey:     req.AESKey,
		Ed25519Key: req.Ed25519Key,
		Options:    req.Options,
		Sampling:   req.Sampling,
		InputField: "arbitrary_input",
	})
	if err != nil {
		return nil, err
	}
	match := len(res.Output) == len(req.Target) && subtle.ConstantTimeCompare(res.Output, req.Target) == 1

	e.logger.InfoContext(ctx, "arbitrary input checked", "run_id", res.RunID, "match", match)
	return &MatchResult{
		Match:   match,
		Output:  res.Output,
		Target:  req.Target,
		RunID:   res.RunID,
		Entries: res.Entries,
	}, nil
}
