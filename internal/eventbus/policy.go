package eventbus

// Priority classifies a topic's importance for delivery guarantees.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityCritical Priority = 2
)

// DeliveryStrategy determines behaviour when a subscriber's channel is full.
type DeliveryStrategy string

const (
	// StrategyDropOldest removes the oldest event from the channel and enqueues the new one.
	StrategyDropOldest DeliveryStrategy = "drop-oldest"
	// StrategyDropNewest discards the incoming event when the channel is full.
	StrategyDropNewest DeliveryStrategy = "drop-newest"
	// StrategyOverflow spills into a capped ring buffer; a background goroutine drains it back.
	StrategyOverflow DeliveryStrategy = "overflow"
)

// DeliveryPolicy controls how a topic handles backpressure.
type DeliveryPolicy struct {
	Strategy    DeliveryStrategy
	Priority    Priority
	MaxOverflow int // ring buffer cap for StrategyOverflow (0 = defaultMaxOverflow)
}

const defaultMaxOverflow = 512

// defaultPolicy is used for topics without an explicit entry in defaultPolicies.
var defaultPolicy = DeliveryPolicy{
	Strategy: StrategyDropOldest,
	Priority: PriorityNormal,
}

// defaultPolicies maps known topics to their delivery policies.
var defaultPolicies = map[Topic]DeliveryPolicy{
	// Critical: a drop here loses an auth prompt or breaks the update
	// exclusivity window visible to the UI.
	TopicTokenExpired:             {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},
	TopicToolUpdateStarted:        {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},
	TopicToolUpdateCompleted:      {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},
	TopicDeviceCodeShow:           {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},
	TopicTerminalCommandCompleted: {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},

	// Normal: high-volume or tolerant of occasional drops.
	TopicTerminalOutput:  {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicModalMessage:    {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicWindowOpened:    {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicWindowClosed:    {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicWindowActivated: {Strategy: StrategyDropOldest, Priority: PriorityNormal},

	// Low: informational chrome updates; stale entries are worthless.
	TopicUpdateDownloadProgress: {Strategy: StrategyDropNewest, Priority: PriorityLow},
	TopicLoadingShow:            {Strategy: StrategyDropNewest, Priority: PriorityLow},
	TopicLoadingHide:            {Strategy: StrategyDropNewest, Priority: PriorityLow},
}

// policyFor returns the delivery policy for a topic, falling back to defaultPolicy.
func policyFor(topic Topic, overrides map[Topic]DeliveryPolicy) DeliveryPolicy {
	if overrides != nil {
		if p, ok := overrides[topic]; ok {
			return p
		}
	}
	if p, ok := defaultPolicies[topic]; ok {
		return p
	}
	return defaultPolicy
}
