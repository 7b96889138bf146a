// Package catalog declares the pipeline steps the flow engine can run: each
// step's forward operation, whether it has an exact inverse, and the JSON
// Schema its parameters must satisfy. Flow variants are resolvers that turn
// caller options into an ordered, immutable FlowSpec over catalog-owned steps.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
	"github.com/Mindburn-Labs/tccflow/pkg/crypto"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
	"github.com/Mindburn-Labs/tccflow/pkg/model"
)

// Variant tags a flow family.
type Variant string

const (
	VariantCrypto Variant = "crypto"
	VariantModel  Variant = "model"
)

// ParseVariant accepts the wire script names ("sheeva", "aivail") as well as
// the variant tags themselves.
func ParseVariant(script string) (Variant, error) {
	switch strings.ToLower(script) {
	case "sheeva", string(VariantCrypto):
		return VariantCrypto, nil
	case "aivail", string(VariantModel):
		return VariantModel, nil
	}
	return "", flowerr.Validation("script", "invalid script %q, use sheeva or aivail", script)
}

// Script returns the wire name of the variant.
func (v Variant) Script() string {
	if v == VariantModel {
		return "aivail"
	}
	return "sheeva"
}

// LogFile returns the log destination of the variant.
func (v Variant) LogFile() auditlog.LogFile {
	if v == VariantModel {
		return auditlog.ModelLog
	}
	return auditlog.CryptoLog
}

// Kind is the operation class of a step.
type Kind string

const (
	KindHash         Kind = "hash"
	KindSign         Kind = "sign"
	KindEncrypt      Kind = "encrypt"
	KindSpongeAbsorb Kind = "sponge_absorb"
	KindTokenize     Kind = "tokenize"
	KindEmbed        Kind = "embed"
	KindTransform    Kind = "transform"
	KindDecode       Kind = "decode"
)

// Env is the per-execution context a step operates in.
type Env struct {
	Keys      *crypto.Keys
	ModelName string
	Sampling  *model.Sampling
}

// Op is a step's forward computation.
type Op interface {
	Forward(in []byte, env *Env) ([]byte, error)
}

// Inverter is implemented by ops with an exact inverse.
type Inverter interface {
	Inverse(out []byte, env *Env) ([]byte, error)
}

// Step is a catalog-owned step descriptor. FlowSpecs hold pointers to it.
type Step struct {
	Name       string
	Kind       Kind
	Params     map[string]any
	Invertible bool
	Schema     string

	op Op
}

// Forward runs the step.
func (s *Step) Forward(in []byte, env *Env) ([]byte, error) {
	return s.op.Forward(in, env)
}

// Inverse runs the exact inverse, or fails with non_invertible_step.
func (s *Step) Inverse(out []byte, env *Env) ([]byte, error) {
	inv, ok := s.op.(Inverter)
	if !s.Invertible || !ok {
		return nil, flowerr.New(flowerr.KindNonInvertible, "reverse", "step %q (%s) has no exact inverse", s.Name, s.Kind)
	}
	return inv.Inverse(out, env)
}

// Options select the step list of a variant.
type Options struct {
	IncludeKeccak bool
	DetachedHash  bool
	ModelName     string
	NumLayers     int
}

// FlowSpec is the resolved, immutable step list of one execution.
type FlowSpec struct {
	Variant Variant
	Steps   []*Step
	Options Options
}

// Invertibility returns the per-step invertibility table.
func (f *FlowSpec) Invertibility() []bool {
	out := make([]bool, len(f.Steps))
	for i, s := range f.Steps {
		out[i] = s.Invertible
	}
	return out
}

// StepNames lists the resolved step names in order.
func (f *FlowSpec) StepNames() []string {
	out := make([]string, len(f.Steps))
	for i, s := range f.Steps {
		out[i] = s.Name
	}
	return out
}

// Resolver contributes the ordered step list of a variant.
type Resolver func(c *Catalog, opts Options) ([]*Step, error)

// Catalog is the registry of step definitions and variant resolvers.
type Catalog struct {
	steps     map[string]*Step
	resolvers map[Variant]Resolver
	options   map[Variant]*jsonschema.Schema
}

// New builds the default catalog with transform layers up to maxLayers.
func New(maxLayers int) (*Catalog, error) {
	if maxLayers < 1 {
		return nil, fmt.Errorf("catalog: maxLayers must be positive, got %d", maxLayers)
	}
	c := &Catalog{
		steps:     make(map[string]*Step),
		resolvers: make(map[Variant]Resolver),
		options:   make(map[Variant]*jsonschema.Schema),
	}
	for _, s := range cryptoSteps() {
		if err := c.Register(s); err != nil {
			return nil, err
		}
	}
	for _, s := range modelSteps(maxLayers) {
		if err := c.Register(s); err != nil {
			return nil, err
		}
	}
	if err := c.RegisterVariant(VariantCrypto, cryptoOptionsSchema, resolveCrypto); err != nil {
		return nil, err
	}
	if err := c.RegisterVariant(VariantModel, modelOptionsSchema(maxLayers), resolveModel); err != nil {
		return nil, err
	}
	return c, nil
}

// Register adds a step definition after validating its parameters against
// its schema.
func (c *Catalog) Register(s *Step) error {
	if _, exists := c.steps[s.Name]; exists {
		return fmt.Errorf("catalog: step %q already registered", s.Name)
	}
	if s.op == nil {
		return fmt.Errorf("catalog: step %q has no operation", s.Name)
	}
	if _, ok := s.op.(Inverter); s.Invertible && !ok {
		return fmt.Errorf("catalog: step %q is marked invertible without an inverse", s.Name)
	}
	if s.Schema != "" {
		schema, err := compile("step/"+s.Name, s.Schema)
		if err != nil {
			return err
		}
		if err := validate(schema, s.Params); err != nil {
			return fmt.Errorf("catalog: step %q params: %w", s.Name, err)
		}
	}
	c.steps[s.Name] = s
	return nil
}

// RegisterVariant installs the resolver and option schema of a variant.
func (c *Catalog) RegisterVariant(v Variant, optionSchema string, r Resolver) error {
	schema, err := compile("variant/"+string(v), optionSchema)
	if err != nil {
		return err
	}
	c.options[v] = schema
	c.resolvers[v] = r
	return nil
}

// Step returns a registered step.
func (c *Catalog) Step(name string) (*Step, bool) {
	s, ok := c.steps[name]
	return s, ok
}

// Names returns all registered step names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.steps))
	for n := range c.steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve validates opts for the variant and returns its FlowSpec.
func (c *Catalog) Resolve(v Variant, opts Options) (*FlowSpec, error) {
	r, ok := c.resolvers[v]
	if !ok {
		return nil, flowerr.Validation("resolve", "unknown flow variant %q", v)
	}
	if err := validate(c.options[v], optionsDocument(v, opts)); err != nil {
		return nil, flowerr.Wrap(flowerr.KindValidation, "resolve", err, "invalid %s options", v.Script())
	}
	steps, err := r(c, opts)
	if err != nil {
		return nil, err
	}
	return &FlowSpec{Variant: v, Steps: steps, Options: opts}, nil
}

func (c *Catalog) mustStep(name string) (*Step, error) {
	s, ok := c.steps[name]
	if !ok {
		return nil, flowerr.New(flowerr.KindInternal, "resolve", "step %q not registered", name)
	}
	return s, nil
}

func optionsDocument(v Variant, opts Options) map[string]any {
	if v == VariantModel {
		return map[string]any{"model_name": opts.ModelName, "num_layers": opts.NumLayers}
	}
	return map[string]any{"include_keccak": opts.IncludeKeccak, "detached_hash": opts.DetachedHash}
}

func compile(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://tccflow.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("catalog: schema %s load failed: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("catalog: schema %s compile failed: %w", name, err)
	}
	return compiled, nil
}

// validate checks a Go value against a schema. The validator operates on
// decoded JSON, so the value is round-tripped first.
func validate(schema *jsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
