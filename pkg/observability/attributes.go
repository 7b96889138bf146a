package observability

import "go.opentelemetry.io/otel/attribute"

// Semantic convention attributes.
var (
	AttrFlowScript  = attribute.Key("tccflow.flow.script")
	AttrFlowSteps   = attribute.Key("tccflow.flow.steps")
	AttrEntropyStep = attribute.Key("tccflow.entropy.action")
	AttrShardAction = attribute.Key("tccflow.shard.action")
	AttrShardStore  = attribute.Key("tccflow.shard.backend")
)

// FlowOperation returns attributes for a flow execution or reversal.
func FlowOperation(script string, steps int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrFlowScript.String(script),
		AttrFlowSteps.Int(steps),
	}
}

// EntropyOperation returns attributes for a commit or reveal. User ids are
// not recorded.
func EntropyOperation(action string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrEntropyStep.String(action)}
}

// ShardOperation returns attributes for shard registry calls.
func ShardOperation(action, backend string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrShardAction.String(action),
		AttrShardStore.String(backend),
	}
}
