package natsbus

import "fmt"

// Topic patterns for live chain updates.

func TopicEventsChain(chainID string) string {
	return fmt.Sprintf("events.chain.%s", chainID)
}

func TopicEventsJob(jobID string) string {
	return fmt.Sprintf("events.job.%s", jobID)
}

const (
	TopicEventsAll    = "events.>"
	TopicEventsChains = "events.chain.*"
	TopicEventsJobs   = "events.job.*"
)

// Event types published on the chain and job topics.
const (
	EventChainCreated   = "chain_created"
	EventChainStage     = "chain_stage"
	EventChainCompleted = "chain_completed"
	EventChainFailed    = "chain_failed"
	EventChainDelivered = "chain_delivered"
	EventJobCompleted   = "job_completed"
)
