package lifecycle

import "fmt"

// Status is the observable position of a lifecycle run
type Status int

const (
	StatusIdle Status = iota
	StatusDownloadingConfig
	StatusServerRequestError
	StatusProcessing
	StatusCheckingPatch
	StatusAppVersionInconsistent
	StatusNoNeedToUpdate
	StatusDownloadingPatch
	StatusRetryRequired
	StatusWritingConfig
	StatusDone
	StatusRepairing
	StatusCancelled
	StatusFailed
)

var statusNames = map[Status]string{
	StatusIdle:                   "idle",
	StatusDownloadingConfig:      "downloading-config",
	StatusServerRequestError:     "server-request-error",
	StatusProcessing:             "processing",
	StatusCheckingPatch:          "checking-patch",
	StatusAppVersionInconsistent: "app-version-inconsistent",
	StatusNoNeedToUpdate:         "no-need-to-update",
	StatusDownloadingPatch:       "downloading-patch",
	StatusRetryRequired:          "retry-required",
	StatusWritingConfig:          "writing-config",
	StatusDone:                   "done",
	StatusRepairing:              "repairing",
	StatusCancelled:              "cancelled",
	StatusFailed:                 "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Settled reports whether no run is in progress in s. Only settled states
// accept Check and Repair.
func (s Status) Settled() bool {
	switch s {
	case StatusIdle, StatusServerRequestError, StatusAppVersionInconsistent,
		StatusNoNeedToUpdate, StatusRetryRequired, StatusDone,
		StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Success reports whether s ends a run with local content matching the server
func (s Status) Success() bool {
	return s == StatusNoNeedToUpdate || s == StatusDone
}

// Event is an input to the state machine
type Event int

const (
	EventCheck Event = iota
	EventRepair
	EventWiped
	EventConfigFetched
	EventServerError
	EventPrepared
	EventAppVersionMismatch
	EventUpToDate
	EventUpdateFound
	EventDownloadDone
	EventDownloadFailed
	EventCommitted
	EventConverged
	EventCancel
	EventFail
)

var eventNames = map[Event]string{
	EventCheck:              "check",
	EventRepair:             "repair",
	EventWiped:              "wiped",
	EventConfigFetched:      "config-fetched",
	EventServerError:        "server-error",
	EventPrepared:           "prepared",
	EventAppVersionMismatch: "app-version-mismatch",
	EventUpToDate:           "up-to-date",
	EventUpdateFound:        "update-found",
	EventDownloadDone:       "download-done",
	EventDownloadFailed:     "download-failed",
	EventCommitted:          "committed",
	EventConverged:          "converged",
	EventCancel:             "cancel",
	EventFail:               "fail",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Effect is work the engine performs after entering a state
type Effect int

const (
	EffectWipeSandbox Effect = iota
	EffectFetchManifests
	EffectPrepareSandbox
	EffectCompareVersions
	EffectStartDownload
	EffectWriteManifests
	EffectRecheck
	EffectReportComplete
	EffectAbortInFlight
)

var effectNames = map[Effect]string{
	EffectWipeSandbox:     "wipe-sandbox",
	EffectFetchManifests:  "fetch-manifests",
	EffectPrepareSandbox:  "prepare-sandbox",
	EffectCompareVersions: "compare-versions",
	EffectStartDownload:   "start-download",
	EffectWriteManifests:  "write-manifests",
	EffectRecheck:         "recheck",
	EffectReportComplete:  "report-complete",
	EffectAbortInFlight:   "abort-in-flight",
}

func (e Effect) String() string {
	if name, ok := effectNames[e]; ok {
		return name
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// TransitionError reports an event that is not valid in the current state
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %s not allowed in state %s", e.Event, e.From)
}

// Transition is the lifecycle state machine. It has no side effects: the
// returned effects describe the work the caller must perform next.
func Transition(from Status, ev Event) (Status, []Effect, error) {
	switch ev {
	case EventCancel:
		if from.Settled() {
			return from, nil, nil
		}
		return StatusCancelled, []Effect{EffectAbortInFlight}, nil
	case EventFail:
		if from.Settled() {
			break
		}
		return StatusFailed, []Effect{EffectAbortInFlight}, nil
	}

	if from.Settled() {
		switch ev {
		case EventCheck:
			return StatusDownloadingConfig, []Effect{EffectFetchManifests}, nil
		case EventRepair:
			return StatusRepairing, []Effect{EffectWipeSandbox}, nil
		}
	}

	switch from {
	case StatusRepairing:
		if ev == EventWiped {
			return StatusDownloadingConfig, []Effect{EffectFetchManifests}, nil
		}
	case StatusDownloadingConfig:
		switch ev {
		case EventServerError:
			return StatusServerRequestError, nil, nil
		case EventConfigFetched:
			return StatusProcessing, []Effect{EffectPrepareSandbox}, nil
		}
	case StatusProcessing:
		if ev == EventPrepared {
			return StatusCheckingPatch, []Effect{EffectCompareVersions}, nil
		}
	case StatusCheckingPatch:
		switch ev {
		case EventAppVersionMismatch:
			return StatusAppVersionInconsistent, []Effect{EffectAbortInFlight}, nil
		case EventUpToDate:
			return StatusNoNeedToUpdate, []Effect{EffectReportComplete}, nil
		case EventUpdateFound:
			return StatusDownloadingPatch, []Effect{EffectStartDownload}, nil
		}
	case StatusDownloadingPatch:
		switch ev {
		case EventDownloadDone:
			return StatusWritingConfig, []Effect{EffectWriteManifests}, nil
		case EventDownloadFailed:
			return StatusRetryRequired, nil, nil
		}
	case StatusWritingConfig:
		if ev == EventCommitted {
			return StatusDone, []Effect{EffectRecheck}, nil
		}
	case StatusNoNeedToUpdate:
		// A confirming pass after a commit lands here
		if ev == EventConverged {
			return StatusDone, nil, nil
		}
	}

	return from, nil, &TransitionError{From: from, Event: ev}
}
