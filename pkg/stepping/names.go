// Package stepping is an embeddable dataflow runtime. User algorithms are split into Steps,
// each wrapped in a StepDecorator that owns a mailbox and a worker goroutine. Steps talk to
// each other only through named Subjects. The AlgoDecorator builds the topology, drives the
// lifecycle and owns the error funnel.
package stepping

// Built-in object ids and subject types.
const (
	// BuiltinShouter is the container id of the global publisher
	BuiltinShouter = "STEPPING_SHOUTER"

	// BuiltinPerfSampler is the container id of the perf sampler step
	BuiltinPerfSampler = "PERFSAMPLER"

	// SubjectDataArrived is the entry subject fed by ingestion adapters
	SubjectDataArrived = "STEPPING_DATA_ARRIVED"

	// SubjectPublishData is the exit subject for results leaving the algo
	SubjectPublishData = "STEPPING_PUBLISH_DATA"

	// SubjectTimeoutCallback tags tick control messages
	SubjectTimeoutCallback = "STEPPING_TIMEOUT_CALLBACK"

	// SubjectReduceEvent is the suffix of reduce-event subject types
	SubjectReduceEvent = "STEPPING_REDUCE_EVENT"

	// SubjectPerfReport is published by the perf sampler after every report
	SubjectPerfReport = "STEPPING_PERF_REPORT"

	// PoisonPill is the control tag that permanently stops a worker
	PoisonPill = "POISON-PILL"
)

// Metadata keys.
const (
	// MetaNumOfNodes carries the expected number of partials of a reduce round
	MetaNumOfNodes = "numOfNodes"

	// MetaSourceStep carries the id of the step that produced a partial
	MetaSourceStep = "sourceStep"
)

// ReduceSubject returns the reduce-event subject type of a distribution node.
func ReduceSubject(distributionNodeID string) string {
	return distributionNodeID + "." + SubjectReduceEvent
}

func decoratorID(stepID string) string {
	return stepID + ".decorator"
}
