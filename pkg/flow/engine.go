// Package flow executes resolved step pipelines and records one hash-chained
// log entry per step.
package flow

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
	"github.com/Mindburn-Labs/tccflow/pkg/catalog"
	"github.com/Mindburn-Labs/tccflow/pkg/crypto"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
	"github.com/Mindburn-Labs/tccflow/pkg/model"
	"github.com/Mindburn-Labs/tccflow/pkg/observability"
)

// DefaultMaxInputBytes bounds the input of a single execution.
const DefaultMaxInputBytes = 1024

// Request is one flow execution.
type Request struct {
	Variant    catalog.Variant
	Input      []byte
	AESKey     string // 32 hex characters, crypto variant only
	Ed25519Key string // 64 hex characters, crypto variant only
	Options    catalog.Options
	Sampling   *model.Sampling
	// InputField names the input in validation errors; "input_data" when empty.
	InputField string
}

// StepOutput is the value produced by one step.
type StepOutput struct {
	Index   int
	Name    string
	Output  []byte
	Elapsed time.Duration
}

// Result is a completed execution.
type Result struct {
	RunID         string
	Spec          *catalog.FlowSpec
	Output        []byte
	Intermediates []StepOutput
	Entries       []auditlog.Entry
}

// Prepared is a validated request ready to run: the resolved spec and the
// environment the steps operate in.
type Prepared struct {
	Spec *catalog.FlowSpec
	Env  *catalog.Env
}

// Option configures an Engine.
type Option func(*Engine)

// WithObservability traces and measures every execution and step.
func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

// WithMaxInputBytes overrides DefaultMaxInputBytes.
func WithMaxInputBytes(n int) Option {
	return func(e *Engine) { e.maxInput = n }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock injects the step timer source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// Engine runs flows. It is variant-agnostic: the catalog resolves the step
// list and invertibility table, the engine sequences and logs.
type Engine struct {
	catalog  *catalog.Catalog
	log      auditlog.Appender
	obs      *observability.Provider
	maxInput int
	logger   *slog.Logger
	clock    func() time.Time
}

// NewEngine returns an engine over cat that appends to log.
func NewEngine(cat *catalog.Catalog, log auditlog.Appender, opts ...Option) *Engine {
	e := &Engine{
		catalog:  cat,
		log:      log,
		maxInput: DefaultMaxInputBytes,
		logger:   slog.Default().With("component", "flow"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Appender returns the log the engine writes to.
func (e *Engine) Appender() auditlog.Appender { return e.log }

// Observability returns the configured provider, possibly nil.
func (e *Engine) Observability() *observability.Provider { return e.obs }

// Prepare validates keys and options and resolves the flow. It performs no
// step and no append.
func (e *Engine) Prepare(req Request) (*Prepared, error) {
	env := &catalog.Env{ModelName: req.Options.ModelName, Sampling: req.Sampling}
	if req.Variant == catalog.VariantCrypto {
		keys, err := crypto.ParseKeys(req.AESKey, req.Ed25519Key)
		if err != nil {
			return nil, err
		}
		env.Keys = keys
	}
	spec, err := e.catalog.Resolve(req.Variant, req.Options)
	if err != nil {
		return nil, err
	}
	return &Prepared{Spec: spec, Env: env}, nil
}

// ValidateInput checks the input size bounds and, for the model variant,
// that the input is UTF-8 text. field names the input in the error.
func (e *Engine) ValidateInput(v catalog.Variant, field string, input []byte) error {
	if field == "" {
		field = "input_data"
	}
	if len(input) == 0 {
		return flowerr.Validation("execute", "%s must be non-empty", field)
	}
	if len(input) > e.maxInput {
		return flowerr.Validation("execute", "%s must be at most %d bytes, got %d", field, e.maxInput, len(input))
	}
	if v == catalog.VariantModel && !utf8.Valid(input) {
		return flowerr.Validation("execute", "%s must be valid UTF-8 text for %s", field, v.Script())
	}
	return nil
}

// Execute validates the request, then runs every step in order, appending
// an entry per step to the variant's log file. A failing step is logged
// with its error code and ends the run.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := e.ValidateInput(req.Variant, req.InputField, req.Input); err != nil {
		return nil, err
	}
	p, err := e.Prepare(req)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, p, req.Input)
}

// Run executes a prepared flow.
func (e *Engine) Run(ctx context.Context, p *Prepared, input []byte) (res *Result, err error) {
	spec := p.Spec
	ctx, finish := e.obs.TrackOperation(ctx, "flow.execute", observability.FlowOperation(spec.Variant.Script(), len(spec.Steps))...)
	defer func() { finish(err) }()

	res = &Result{
		RunID:         uuid.NewString(),
		Spec:          spec,
		Intermediates: make([]StepOutput, 0, len(spec.Steps)),
		Entries:       make([]auditlog.Entry, 0, len(spec.Steps)),
	}
	file := spec.Variant.LogFile()

	data := input
	for i, step := range spec.Steps {
		stepCtx, stepDone := e.obs.TrackOperation(ctx, "flow.step."+string(step.Kind))
		start := e.clock()
		out, stepErr := step.Forward(data, p.Env)
		elapsed := e.clock().Sub(start)

		rec := auditlog.Record{
			StepIndex:     i,
			Operation:     step.Name,
			Input:         data,
			Output:        out,
			Metadata:      stepMetadata(spec, i, step, res.RunID, len(data), len(out)),
			ErrorCode:     flowerr.KindOf(stepErr),
			ExecutionTime: elapsed,
		}
		entry, appendErr := e.log.Append(stepCtx, file, rec)
		stepDone(stepErr)
		if appendErr != nil {
			return nil, flowerr.Wrap(flowerr.KindInternal, "execute", appendErr, "append step %d", i)
		}
		res.Entries = append(res.Entries, entry)

		if stepErr != nil {
			e.logger.WarnContext(ctx, "step failed",
				"run_id", res.RunID,
				"step", step.Name,
				"step_index", i,
				"error_code", flowerr.KindOf(stepErr),
			)
			return res, stepErr
		}
		e.logger.DebugContext(ctx, "step executed",
			"run_id", res.RunID,
			"step", step.Name,
			"output_len", len(out),
			"elapsed", elapsed,
		)
		res.Intermediates = append(res.Intermediates, StepOutput{Index: i, Name: step.Name, Output: out, Elapsed: elapsed})
		data = out
	}

	res.Output = data
	e.logger.InfoContext(ctx, "flow executed",
		"run_id", res.RunID,
		"script", spec.Variant.Script(),
		"steps", len(spec.Steps),
	)
	return res, nil
}

func stepMetadata(spec *catalog.FlowSpec, i int, step *catalog.Step, runID string, inLen, outLen int) auditlog.Metadata {
	return auditlog.Metadata{}.
		Set("step_index", i).
		Set("step_name", step.Name).
		Set("kind", string(step.Kind)).
		Set("params", step.Params).
		Set("input_len", inLen).
		Set("output_len", outLen).
		Set("invertible", step.Invertible).
		Set("variant", string(spec.Variant)).
		Set("run_id", runID)
}
