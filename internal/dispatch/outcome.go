package dispatch

import "time"

// Reason classifies a failed delivery attempt.
type Reason string

const (
	ReasonNoMedia         Reason = "no_media"
	ReasonResolveFailed   Reason = "resolve_failed"
	ReasonSendFailed      Reason = "send_failed"
	ReasonBlobFetchFailed Reason = "blob_fetch_failed"
	// ReasonStoreFailed marks an item the store handed back after it had
	// already failed in this run.
	ReasonStoreFailed Reason = "store_failed"
)

// Result summarizes a whole run.
type Result string

const (
	ResultIdle       Result = "idle"
	ResultDelivered  Result = "delivered"
	ResultExhausted  Result = "exhausted"
	ResultStoreError Result = "store_error"
)

// Outcome is one delivery attempt.
type Outcome struct {
	ItemID    int64
	Rank      int
	Delivered bool
	Video     bool
	Reason    Reason // empty when delivered
	Err       error
}

// Report is returned by every run.
type Report struct {
	RunID    string
	Result   Result
	Attempts []Outcome
	// Err is set for ResultStoreError.
	Err     error
	Started time.Time
	Elapsed time.Duration
}

// Delivered returns the successful attempt, if any.
func (r Report) Delivered() (Outcome, bool) {
	for _, o := range r.Attempts {
		if o.Delivered {
			return o, true
		}
	}
	return Outcome{}, false
}

// AttemptEvent is published on eventbus.DispatchAttempt.
type AttemptEvent struct {
	RunID string
	Outcome
}

// DerivedStatus is the result of the secondary-channel artifact.
type DerivedStatus string

const (
	DerivedSent    DerivedStatus = "sent"
	DerivedSkipped DerivedStatus = "skipped"
	DerivedFailed  DerivedStatus = "failed"
)

// DerivedEvent is published on eventbus.DispatchDerived.
type DerivedEvent struct {
	RunID  string
	ItemID int64
	Status DerivedStatus
	Err    error
}
