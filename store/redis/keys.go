package redis

// Primary entity keys.
const (
	prefixEvent        = "herald:evt:"    // + sequence
	prefixSubscription = "herald:sub:"    // + subscription ID
	prefixTask         = "herald:task:"   // + task ID
	prefixEventType    = "herald:evtype:" // + event type name
	prefixCursor       = "herald:cursor:" // + cursor name
)

// Counters.
const (
	counterEventSeq = "herald:seq:evt"
)

// Unique indexes.
const (
	uniqueTaskKey = "herald:u:task:" // + sequence ":" subscription ID
)

// Sorted set indexes.
const (
	zSubscriptionAll = "herald:z:sub:all"      // score 0, lexical by ID
	zEventTypeAll    = "herald:z:evtype:all"   // score 0, lexical by name
	zTaskAll         = "herald:z:task:all"     // score = event sequence
	zTaskDue         = "herald:z:task:due"     // pending tasks, score = next attempt (unix ms)
	zTaskClaimed     = "herald:z:task:claimed" // in-flight or failed, score = claimed at (unix ms)
)

// Audit lists, append order.
const (
	listAuditAll  = "herald:l:audit:all"
	listAuditTask = "herald:l:audit:task:" // + task ID
)

func entityKey(prefix, id string) string {
	return prefix + id
}
