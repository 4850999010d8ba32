// Package enroll runs the enrollment state machine: it turns a (customer,
// policy) pair into a bound device or an installable profile link, records
// the outcome in the subscriber directory, and hands the result to the
// delivery channel.
package enroll

import (
	"errors"
	"fmt"
)

// State is a coordinator checkpoint. On failure the last reached state is
// carried in the Failure so the next run can resume idempotently.
type State string

const (
	StateInit            State = "init"
	StateProfileReady    State = "profile-ready"
	StateEnrollmentReady State = "enrollment-ready"
	StateDeviceBound     State = "device-bound"
	StateRecorded        State = "recorded"
	StateDelivered       State = "delivered"
)

// Strategy identifies one way of obtaining a serviceable enrollment. The
// coordinator tries them in declaration order.
type Strategy string

const (
	StrategyCreateNeverExpire     Strategy = "create-never-expire"
	StrategyCreateForm            Strategy = "create-form"
	StrategyReuseListed           Strategy = "reuse-listed"
	StrategyCreateDevicePreenroll Strategy = "create-device-preenroll"
	StrategyDirectDownload        Strategy = "direct-download"
)

// Request is one enrollment run.
type Request struct {
	CustomerID string
	PolicyID   string
	Contact    string
}

// DeliveryBundle is the successful outcome of a coordinator run. DeviceID is
// empty for user-driven and direct-download enrollments; EnrollmentURL is
// empty for direct downloads.
type DeliveryBundle struct {
	CustomerID       string   `json:"customer_id"`
	PolicyID         string   `json:"policy_id"`
	EnrollmentURL    string   `json:"enrollment_url,omitempty"`
	DeviceID         string   `json:"device_id,omitempty"`
	ProfileUUID      string   `json:"profile_uuid"`
	HostedProfileURL string   `json:"hosted_profile_url,omitempty"`
	StrategyUsed     Strategy `json:"strategy_used"`
}

// ErrInvalidInput marks caller mistakes (unknown policy, missing customer).
var ErrInvalidInput = errors.New("invalid input")

// ErrInflight means another coordinator run holds the customer's lease.
var ErrInflight = errors.New("enrollment already in flight")

// Failure is a terminal coordinator error carrying the last checkpoint the
// run reached.
type Failure struct {
	Reason      string
	LastOKState State
	Err         error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("enrollment failed at %s: %s", f.LastOKState, f.Reason)
	if f.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, f.Err)
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }
