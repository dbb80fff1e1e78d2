package model

import "fmt"

type ProxyStatus string

const (
	ProxyStatusUntested    ProxyStatus = "untested"
	ProxyStatusAlive       ProxyStatus = "alive"
	ProxyStatusDead        ProxyStatus = "dead"
	ProxyStatusCoolingDown ProxyStatus = "cooling_down"
)

type PlatformStatus string

const (
	PlatformStatusNotStarted PlatformStatus = "not_started"
	PlatformStatusInProgress PlatformStatus = "in_progress"
	PlatformStatusRegistered PlatformStatus = "registered"
	PlatformStatusFailed     PlatformStatus = "failed"
)

type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
)

// dead is terminal for proxies: they are excluded from selection but
// retained for audit, never physically deleted.
var terminalProxyStatuses = map[ProxyStatus]bool{
	ProxyStatusDead: true,
}

// registered is terminal-success: a registered account never goes back
// to in_progress or failed for that platform.
var terminalPlatformStatuses = map[PlatformStatus]bool{
	PlatformStatusRegistered: true,
}

var terminalTaskStates = map[TaskState]bool{
	TaskStateSucceeded: true,
	TaskStateFailed:    true,
}

var validProxyTransitions = map[ProxyStatus]map[ProxyStatus]bool{
	ProxyStatusUntested: {
		ProxyStatusAlive:       true,
		ProxyStatusDead:        true,
		ProxyStatusCoolingDown: true,
	},
	ProxyStatusAlive: {
		ProxyStatusDead:        true,
		ProxyStatusCoolingDown: true,
	},
	ProxyStatusCoolingDown: {
		ProxyStatusAlive: true,
		ProxyStatusDead:  true,
	},
}

// failed → in_progress re-opens a platform registration for retry.
var validPlatformTransitions = map[PlatformStatus]map[PlatformStatus]bool{
	PlatformStatusNotStarted: {
		PlatformStatusInProgress: true,
	},
	PlatformStatusInProgress: {
		PlatformStatusRegistered: true,
		PlatformStatusFailed:     true,
	},
	PlatformStatusFailed: {
		PlatformStatusInProgress: true,
	},
}

// running → queued is the retry re-enqueue path.
var validTaskTransitions = map[TaskState]map[TaskState]bool{
	TaskStateQueued: {
		TaskStateRunning: true,
		TaskStateFailed:  true,
	},
	TaskStateRunning: {
		TaskStateSucceeded: true,
		TaskStateFailed:    true,
		TaskStateQueued:    true,
	},
}

// InvalidTransitionError is returned when a status change violates the
// state machine. The record is left unchanged by the caller.
type InvalidTransitionError struct {
	Kind string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %q → %q", e.Kind, e.From, e.To)
}

func IsProxyTerminal(s ProxyStatus) bool {
	return terminalProxyStatuses[s]
}

func IsPlatformTerminal(s PlatformStatus) bool {
	return terminalPlatformStatuses[s]
}

func IsTaskTerminal(s TaskState) bool {
	return terminalTaskStates[s]
}

func ValidateProxyTransition(from, to ProxyStatus) error {
	if IsProxyTerminal(from) {
		return &InvalidTransitionError{Kind: "proxy", From: string(from), To: string(to)}
	}
	allowed, ok := validProxyTransitions[from]
	if !ok {
		return fmt.Errorf("unknown proxy status %q", from)
	}
	if !allowed[to] {
		return &InvalidTransitionError{Kind: "proxy", From: string(from), To: string(to)}
	}
	return nil
}

func ValidatePlatformTransition(from, to PlatformStatus) error {
	if IsPlatformTerminal(from) {
		return &InvalidTransitionError{Kind: "platform", From: string(from), To: string(to)}
	}
	allowed, ok := validPlatformTransitions[from]
	if !ok {
		return fmt.Errorf("unknown platform status %q", from)
	}
	if !allowed[to] {
		return &InvalidTransitionError{Kind: "platform", From: string(from), To: string(to)}
	}
	return nil
}

func ValidateTaskTransition(from, to TaskState) error {
	if IsTaskTerminal(from) {
		return &InvalidTransitionError{Kind: "task", From: string(from), To: string(to)}
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task state %q", from)
	}
	if !allowed[to] {
		return &InvalidTransitionError{Kind: "task", From: string(from), To: string(to)}
	}
	return nil
}
