// Package model defines the data structures for dropherd's configuration,
// stores, and queue entries.
package model

import (
	"fmt"
	"net/url"
)

// Proxy is one outbound proxy endpoint with its health and usage state.
// The host:port pair is unique within the store; credentials are either
// both set or both empty.
type Proxy struct {
	ID             string      `yaml:"id"`
	Host           string      `yaml:"host"`
	Port           int         `yaml:"port"`
	Scheme         string      `yaml:"scheme"`
	Username       string      `yaml:"username,omitempty"`
	Password       string      `yaml:"password,omitempty"`
	Status         ProxyStatus `yaml:"status"`
	LastUsed       *string     `yaml:"last_used"`
	FailCount      int         `yaml:"fail_count"`
	CooldownUntil  *string     `yaml:"cooldown_until"`
	LastChecked    *string     `yaml:"last_checked"`
	ResponseTimeMs *int64      `yaml:"response_time_ms"`
	CreatedAt      string      `yaml:"created_at"`
	UpdatedAt      string      `yaml:"updated_at"`
}

// Address returns the host:port[:user:pass] form used in import files.
func (p *Proxy) Address() string {
	if p.Username != "" {
		return fmt.Sprintf("%s:%d:%s:%s", p.Host, p.Port, p.Username, p.Password)
	}
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// URL returns the scheme://[user:pass@]host:port form accepted by
// http.Transport proxy functions.
func (p *Proxy) URL() *url.URL {
	u := &url.URL{
		Scheme: p.Scheme,
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

type PlatformState struct {
	Status       PlatformStatus `yaml:"status"`
	Username     string         `yaml:"username,omitempty"`
	LastActivity *string        `yaml:"last_activity"`
}

// Account is one managed identity. ProxyID is the proxy associated at
// creation time; it is a relation only, the proxy store owns the record.
type Account struct {
	ID           string                   `yaml:"id"`
	Email        string                   `yaml:"email"`
	PasswordHash string                   `yaml:"password_hash"`
	UserAgent    string                   `yaml:"user_agent"`
	ProxyID      string                   `yaml:"proxy_id,omitempty"`
	Platforms    map[string]PlatformState `yaml:"platforms"`
	Notes        string                   `yaml:"notes,omitempty"`
	CreatedAt    string                   `yaml:"created_at"`
	UpdatedAt    string                   `yaml:"updated_at"`
}

type TaskKind string

const (
	TaskKindRegisterPlatform TaskKind = "register_platform"
	TaskKindAirdropAction    TaskKind = "airdrop_action"
)

// Task is one unit of dispatched work: one account, one platform/action,
// one assigned proxy. AccountID and ProxyID are non-owning references.
type Task struct {
	ID               string    `yaml:"id"`
	AccountID        string    `yaml:"account_id"`
	Kind             TaskKind  `yaml:"kind"`
	Platform         string    `yaml:"platform,omitempty"`
	Airdrop          string    `yaml:"airdrop,omitempty"`
	Actions          []string  `yaml:"actions,omitempty"`
	ProxyID          string    `yaml:"proxy_id"`
	State            TaskState `yaml:"state"`
	Attempts         int       `yaml:"attempts"`
	ExcludedProxyIDs []string  `yaml:"excluded_proxy_ids,omitempty"`
	LeaseOwner       *string   `yaml:"lease_owner"`
	StartedAt        *string   `yaml:"started_at"`
	FailureReason    *string   `yaml:"failure_reason"`
	CreatedAt        string    `yaml:"created_at"`
	UpdatedAt        string    `yaml:"updated_at"`
}

// Persisted file wrappers. schema_version/file_type headers follow the
// store layout so a reader can tell files apart without their paths.

type ProxyFile struct {
	SchemaVersion int     `yaml:"schema_version"`
	FileType      string  `yaml:"file_type"`
	Proxies       []Proxy `yaml:"proxies"`
}

type AccountFile struct {
	SchemaVersion int       `yaml:"schema_version"`
	FileType      string    `yaml:"file_type"`
	Accounts      []Account `yaml:"accounts"`
}

type TaskQueueFile struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Tasks         []Task `yaml:"tasks"`
}

const (
	FileTypeProxies   = "store_proxies"
	FileTypeAccounts  = "store_accounts"
	FileTypeTaskQueue = "queue_tasks"
)

// TaskDescriptor is the wire form handed to out-of-process workers.
// It carries everything a worker needs without access to the stores.
type TaskDescriptor struct {
	TaskID        string   `json:"task_id"`
	AccountID     string   `json:"account_id"`
	AccountEmail  string   `json:"account_email"`
	Kind          TaskKind `json:"kind"`
	Platform      string   `json:"platform,omitempty"`
	Airdrop       string   `json:"airdrop,omitempty"`
	Actions       []string `json:"actions,omitempty"`
	ProxyHost     string   `json:"proxy_host"`
	ProxyPort     int      `json:"proxy_port"`
	ProxyScheme   string   `json:"proxy_scheme"`
	ProxyUsername string   `json:"proxy_username,omitempty"`
	ProxyPassword string   `json:"proxy_password,omitempty"`
	Attempt       int      `json:"attempt"`
	EnqueuedAt    string   `json:"enqueued_at"`
}

// OutcomeReport is the wire form of a worker's result callback.
// Workers report exactly once per attempt; duplicates are tolerated
// by the dispatcher's idempotence guard.
type OutcomeReport struct {
	TaskID        string `json:"task_id"`
	WorkerID      string `json:"worker_id"`
	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason,omitempty"`
	ReportedAt    string `json:"reported_at"`
}

// Structured failure reasons reported by automation collaborators.
// rate_limited feeds the cooling-down path, the rest count against
// the proxy's consecutive failure threshold.
const (
	FailureReasonNetworkError = "network_error"
	FailureReasonRateLimited  = "rate_limited"
	FailureReasonCaptchaBlock = "captcha_block"
	FailureReasonStaleRunning = "stale_running_timeout"
)
