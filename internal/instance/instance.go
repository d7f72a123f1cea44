// Package instance is the durable record of tenant instances and their
// status history.
//
// Every status change goes through Store.UpdateStatus, which is a
// compare-and-swap on the current status (and optionally the version) and
// appends a Transition in the same atomic step.
package instance

import (
	"errors"
	"time"

	"github.com/mbd888/tenantfleet/internal/limits"
	"github.com/mbd888/tenantfleet/internal/naming"
)

// Errors
var (
	ErrNotFound             = errors.New("instance: not found")
	ErrConflict             = errors.New("instance: status or version changed concurrently")
	ErrActiveInstanceExists = errors.New("instance: subscription already has an active instance")
	ErrInvalidStatus        = errors.New("instance: invalid status")
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusRequested            Status = "requested"
	StatusProvisioningApp      Status = "provisioning_app"
	StatusProvisioningStorage  Status = "provisioning_storage"
	StatusProvisioningServices Status = "provisioning_services"
	StatusDeploying            Status = "deploying"
	StatusVerifying            Status = "verifying"
	StatusRunning              Status = "running"
	StatusStopped              Status = "stopped"
	StatusRestarting           Status = "restarting"
	StatusDeprovisioning       Status = "deprovisioning"
	StatusDeprovisioned        Status = "deprovisioned"
	StatusFailed               Status = "failed"
)

// Statuses lists every status.
var Statuses = []Status{
	StatusRequested, StatusProvisioningApp, StatusProvisioningStorage,
	StatusProvisioningServices, StatusDeploying, StatusVerifying,
	StatusRunning, StatusStopped, StatusRestarting,
	StatusDeprovisioning, StatusDeprovisioned, StatusFailed,
}

// InFlightStatuses are the statuses a crashed worker can leave behind.
var InFlightStatuses = []Status{
	StatusRequested, StatusProvisioningApp, StatusProvisioningStorage,
	StatusProvisioningServices, StatusDeploying, StatusVerifying,
	StatusRestarting, StatusDeprovisioning,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// InFlight reports whether s is an intermediate status that some worker
// should be driving forward.
func (s Status) InFlight() bool {
	for _, st := range InFlightStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Provisioning reports whether s is part of the provision plan.
func (s Status) Provisioning() bool {
	switch s {
	case StatusRequested, StatusProvisioningApp, StatusProvisioningStorage,
		StatusProvisioningServices, StatusDeploying, StatusVerifying:
		return true
	}
	return false
}

// ActionProvision is the action of the transition written by Store.Create.
const ActionProvision = "provision"

// Instance is one tenant's deployed application stack.
type Instance struct {
	ID             string                `json:"id"`
	SubscriptionID string                `json:"subscriptionId"`
	AccountID      string                `json:"accountId"`
	Tier           limits.Tier           `json:"tier"`
	Identity       naming.Identity       `json:"identity"`
	Status         Status                `json:"status"`
	LastGoodStatus Status                `json:"lastGoodStatus,omitempty"`
	Step           string                `json:"step,omitempty"`
	Version        int64                 `json:"version"`
	Limits         limits.ResourceLimits `json:"limits"`
	URLs           naming.URLs           `json:"urls"`

	HealthCheckedAt *time.Time `json:"healthCheckedAt,omitempty"`
	HealthDetail    string     `json:"healthDetail,omitempty"`

	ErrorCode         string `json:"errorCode,omitempty"`
	ErrorDetail       string `json:"errorDetail,omitempty"`
	ResourcesReleased bool   `json:"resourcesReleased"`
	ExportRef         string `json:"exportRef,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ProvisionedAt   *time.Time `json:"provisionedAt,omitempty"`
	LastStartedAt   *time.Time `json:"lastStartedAt,omitempty"`
	LastStoppedAt   *time.Time `json:"lastStoppedAt,omitempty"`
	DeprovisionedAt *time.Time `json:"deprovisionedAt,omitempty"`
}

// Occupies reports whether the instance counts against its subscription's
// single active slot. Deprovisioned instances never do; failed instances
// stop occupying once all their platform resources have been released.
func (i *Instance) Occupies() bool {
	return Occupies(i.Status, i.ResourcesReleased)
}

// Occupies is the occupancy rule on raw fields.
func Occupies(status Status, resourcesReleased bool) bool {
	switch status {
	case StatusDeprovisioned:
		return false
	case StatusFailed:
		return !resourcesReleased
	}
	return true
}

// Transition is one entry of an instance's append-only audit log.
type Transition struct {
	ID          string    `json:"id"`
	InstanceID  string    `json:"instanceId"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	Action      string    `json:"action"`
	Step        string    `json:"step,omitempty"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Change describes one status transition. Nil pointer fields are left as
// they are.
type Change struct {
	To     Status
	Action string

	// ExpectedVersion, when positive, must equal the stored version.
	ExpectedVersion int64

	Step              *string
	LastGoodStatus    *Status
	URLs              *naming.URLs
	Tier              *limits.Tier
	Limits            *limits.ResourceLimits
	ResourcesReleased *bool
	ExportRef         *string

	// ErrorCode and ErrorDetail are recorded on the transition. They are
	// copied to the instance when it enters StatusFailed and cleared from
	// it when it leaves StatusFailed. Failed-to-failed transitions keep
	// the original cause.
	ErrorCode   string
	ErrorDetail string

	HealthCheckedAt *time.Time
	HealthDetail    *string

	ProvisionedAt   *time.Time
	LastStartedAt   *time.Time
	LastStoppedAt   *time.Time
	DeprovisionedAt *time.Time
}

// Apply returns a copy of inst with c applied at now, and the transition
// that records it. Version is bumped by one.
func (c Change) Apply(inst *Instance, now time.Time) (*Instance, *Transition) {
	next := inst.Clone()
	from := next.Status

	next.Status = c.To
	if c.Step != nil {
		next.Step = *c.Step
	}
	if c.LastGoodStatus != nil {
		next.LastGoodStatus = *c.LastGoodStatus
	}
	if c.URLs != nil {
		next.URLs = *c.URLs
	}
	if c.Tier != nil {
		next.Tier = *c.Tier
	}
	if c.Limits != nil {
		next.Limits = *c.Limits
	}
	if c.ResourcesReleased != nil {
		next.ResourcesReleased = *c.ResourcesReleased
	}
	if c.ExportRef != nil {
		next.ExportRef = *c.ExportRef
	}
	switch {
	case c.To == StatusFailed && from != StatusFailed:
		next.ErrorCode = c.ErrorCode
		next.ErrorDetail = c.ErrorDetail
	case c.To != StatusFailed && from == StatusFailed:
		next.ErrorCode = ""
		next.ErrorDetail = ""
	}
	if c.HealthCheckedAt != nil {
		next.HealthCheckedAt = timePtr(*c.HealthCheckedAt)
	}
	if c.HealthDetail != nil {
		next.HealthDetail = *c.HealthDetail
	}
	if c.ProvisionedAt != nil {
		next.ProvisionedAt = timePtr(*c.ProvisionedAt)
	}
	if c.LastStartedAt != nil {
		next.LastStartedAt = timePtr(*c.LastStartedAt)
	}
	if c.LastStoppedAt != nil {
		next.LastStoppedAt = timePtr(*c.LastStoppedAt)
	}
	if c.DeprovisionedAt != nil {
		next.DeprovisionedAt = timePtr(*c.DeprovisionedAt)
	}
	next.Version++
	next.UpdatedAt = now

	tr := &Transition{
		InstanceID:  inst.ID,
		From:        from,
		To:          c.To,
		Action:      c.Action,
		Step:        next.Step,
		ErrorCode:   c.ErrorCode,
		ErrorDetail: c.ErrorDetail,
		CreatedAt:   now,
	}
	return next, tr
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	cp := *i
	cp.HealthCheckedAt = copyTime(i.HealthCheckedAt)
	cp.ProvisionedAt = copyTime(i.ProvisionedAt)
	cp.LastStartedAt = copyTime(i.LastStartedAt)
	cp.LastStoppedAt = copyTime(i.LastStoppedAt)
	cp.DeprovisionedAt = copyTime(i.DeprovisionedAt)
	return &cp
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status         Status
	SubscriptionID string
	AccountID      string
}

func (f Filter) matches(i *Instance) bool {
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if f.SubscriptionID != "" && i.SubscriptionID != f.SubscriptionID {
		return false
	}
	if f.AccountID != "" && i.AccountID != f.AccountID {
		return false
	}
	return true
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

func timePtr(t time.Time) *time.Time { return &t }
