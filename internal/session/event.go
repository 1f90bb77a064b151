package session

// EventType classifies registry lifecycle events.
type EventType int

const (
	EventStarted        EventType = iota // session inserted
	EventUpdated                         // usage report applied
	EventFinalized                       // record persisted, session removed
	EventFinalizeFailed                  // sink rejected the record, session kept
)

var eventTypeNames = map[EventType]string{
	EventStarted:        "started",
	EventUpdated:        "updated",
	EventFinalized:      "finalized",
	EventFinalizeFailed: "finalize_failed",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event carries a session snapshot to observers.
type Event struct {
	Type        EventType
	Session     *Session     // snapshot (safe to retain)
	Record      *UsageRecord // set for EventFinalized
	Swept       bool         // finalized or attempted by the stale sweep
	Err         error        // set for EventFinalizeFailed
	ActiveCount int          // sessions in the registry at event time
}
