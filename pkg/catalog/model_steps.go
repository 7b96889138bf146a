package catalog

import (
	"fmt"
	"strconv"

	"github.com/Mindburn-Labs/tccflow/pkg/model"
)

// Model step names. Transform layers are named TransformStepName(i).
const (
	StepTokenize = "tokenize"
	StepEmbed    = "embed"
	StepDecode   = "decode"
)

// TransformStepName returns the catalog name of transform layer i (1-based).
func TransformStepName(layer int) string {
	return "transform_" + strconv.Itoa(layer)
}

func modelOptionsSchema(maxLayers int) string {
	return fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"model_name": {"type": "string", "pattern": "^[A-Za-z0-9._-]{1,64}$"},
			"num_layers": {"type": "integer", "minimum": 1, "maximum": %d}
		},
		"required": ["model_name", "num_layers"],
		"additionalProperties": false
	}`, maxLayers)
}

const transformSchema = `{
	"type": "object",
	"properties": {"layer": {"type": "integer", "minimum": 1}},
	"required": ["layer"]
}`

func modelSteps(maxLayers int) []*Step {
	steps := []*Step{
		{
			Name:   StepTokenize,
			Kind:   KindTokenize,
			Params: map[string]any{"normalization": "NFC", "unit": "rune"},
			Schema: `{
				"type": "object",
				"properties": {"normalization": {"enum": ["NFC"]}, "unit": {"const": "rune"}},
				"required": ["normalization"]
			}`,
			op: tokenizeOp{},
		},
		{
			Name:   StepEmbed,
			Kind:   KindEmbed,
			Params: map[string]any{"dim": model.Dim},
			Schema: `{
				"type": "object",
				"properties": {"dim": {"type": "integer", "minimum": 1}},
				"required": ["dim"]
			}`,
			op: embedOp{},
		},
		{
			Name:   StepDecode,
			Kind:   KindDecode,
			Params: map[string]any{"vocab_size": model.VocabSize},
			Schema: `{
				"type": "object",
				"properties": {"vocab_size": {"type": "integer", "minimum": 1}},
				"required": ["vocab_size"]
			}`,
			op: decodeOp{},
		},
	}
	for i := 1; i <= maxLayers; i++ {
		steps = append(steps, &Step{
			Name:   TransformStepName(i),
			Kind:   KindTransform,
			Params: map[string]any{"layer": i},
			Schema: transformSchema,
			op:     transformOp{layer: i},
		})
	}
	return steps
}

// resolveModel returns tokenize → embed → transform×N → decode.
func resolveModel(c *Catalog, opts Options) ([]*Step, error) {
	names := []string{StepTokenize, StepEmbed}
	for i := 1; i <= opts.NumLayers; i++ {
		names = append(names, TransformStepName(i))
	}
	names = append(names, StepDecode)

	steps := make([]*Step, 0, len(names))
	for _, n := range names {
		s, err := c.mustStep(n)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func modelName(env *Env) string {
	if env == nil {
		return ""
	}
	return env.ModelName
}

type tokenizeOp struct{}

func (tokenizeOp) Forward(in []byte, _ *Env) ([]byte, error) {
	return model.Tokenize(in)
}

type embedOp struct{}

func (embedOp) Forward(in []byte, env *Env) ([]byte, error) {
	return model.Embed(modelName(env), in)
}

type transformOp struct{ layer int }

func (t transformOp) Forward(in []byte, env *Env) ([]byte, error) {
	return model.Transform(modelName(env), t.layer, in)
}

type decodeOp struct{}

func (decodeOp) Forward(in []byte, env *Env) ([]byte, error) {
	var s *model.Sampling
	if env != nil {
		s = env.Sampling
	}
	return model.Decode(modelName(env), in, s)
}
