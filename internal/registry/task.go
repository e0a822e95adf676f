package registry

// The task protocol. Command handlers and job callbacks never touch the
// registration map; they submit tasks and the coordinator applies them
// strictly sequentially. Producers race, application does not.

// Task is the closed set of coordinator inputs.
type Task interface{ isTask() }

// Register creates or fully replaces a chat's registration and schedules
// its daily job.
type Register struct {
	ChatID  int64
	MensaID int64
	Hour    int
	Minute  int
}

// UpdateRegistration partially updates a registration. Nil fields keep the
// previous value ("last non-nil wins" per field). The job is rescheduled
// iff any of the three fields is supplied.
type UpdateRegistration struct {
	ChatID  int64
	MensaID *int64
	Hour    *int
	Minute  *int
}

// Unregister clears the chat's schedule and cancels its job. The row and
// the mensa binding survive. Idempotent.
type Unregister struct {
	ChatID int64
}

// QueryRegistration asks for the chat's current entry. Reply must be a
// buffered channel (cap >= 1) created before the task is submitted; the
// coordinator sends exactly one result and never blocks on it.
type QueryRegistration struct {
	ChatID int64
	Reply  chan<- QueryResult
}

// QueryLocations asks for the distinct mensa ids of all actively scheduled
// chats. Same reply-channel contract as QueryRegistration.
type QueryLocations struct {
	Reply chan<- []int64
}

// InsertMarkupMessageID records the chat's newest interactive message so
// the previous one can be retracted later. The entry must already exist;
// a missing entry is a programmer-invariant violation (the only producers
// are job callbacks and the broadcast loop, both of which hold an entry).
type InsertMarkupMessageID struct {
	ChatID    int64
	MessageID int
}

// BroadcastUpdate pushes an unsolicited menu update to every chat bound to
// the mensa whose scheduled send time has already elapsed today. The only
// multi-chat task.
type BroadcastUpdate struct {
	MensaID int64
}

func (Register) isTask()              {}
func (UpdateRegistration) isTask()    {}
func (Unregister) isTask()            {}
func (QueryRegistration) isTask()     {}
func (QueryLocations) isTask()        {}
func (InsertMarkupMessageID) isTask() {}
func (BroadcastUpdate) isTask()       {}

// QueryResult answers a QueryRegistration. Found is false when the chat
// never registered; Entry is then the zero value.
type QueryResult struct {
	Found bool
	Entry Entry
}
