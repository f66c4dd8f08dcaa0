package scheduler

import "time"

const (
	// StreamName holds fire events and run results.
	StreamName = "REPUBLISH"

	// FireSubject carries one message per schedule firing.
	FireSubject = "republish.fire"

	// ResultSubjectPrefix carries run outcomes, one subject per run.
	ResultSubjectPrefix = "republish.result."

	// ResultSubjectWildcard matches every run's result subject.
	ResultSubjectWildcard = "republish.result.*"

	streamMaxAge  = 24 * time.Hour
	streamMaxMsgs = -1
)
