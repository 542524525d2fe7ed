package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Transcript roles.
const (
	RoleCaller = "caller"
	RoleAgent  = "agent"
)

// Call end reasons recorded in results and logs.
const (
	ReasonCompleted      = "completed"
	ReasonSilenceTimeout = "silence_timeout"
	ReasonCallerHangup   = "caller_hangup"
	ReasonAIDisconnected = "ai_disconnected"
	ReasonMissingContext = "missing_context"
	ReasonMaxDuration    = "max_duration"
	ReasonCanceled       = "canceled"
	ReasonDTMFReconnect  = "dtmf_reconnect"
)

// EndedNormally reports whether a call with this end reason reached the
// other party and finished a conversation, as opposed to timing out or failing.
func EndedNormally(reason string) bool {
	return reason == ReasonCompleted || reason == ReasonCallerHangup
}

// CallContext is the caller-supplied record that parameterizes one verification call.
// It is written once when the call is placed and read once when the media stream starts.
type CallContext struct {
	CustomerName            string     `json:"customerName,omitempty"`
	VehicleName             string     `json:"vehicleName,omitempty"`
	RentalStartDate         string     `json:"rentalStartDate,omitempty"`
	RentalDays              FlexString `json:"rentalDays,omitempty"`
	State                   string     `json:"state,omitempty"`
	DriverLicense           string     `json:"driverLicense,omitempty"`
	InsuranceProvider       string     `json:"insuranceProvider,omitempty"`
	PolicyNumber            string     `json:"policyNumber,omitempty"`
	CompanyName             string     `json:"companyName,omitempty"`
	CompanyEmail            string     `json:"companyEmail,omitempty"`
	PolicyRegistrationPhone string     `json:"policyRegistrationPhone,omitempty"`
}

// UnmarshalJSON accepts "vehicle" as an alias of "vehicleName".
func (c *CallContext) UnmarshalJSON(data []byte) error {
	type plain CallContext
	var aux struct {
		plain
		Vehicle string `json:"vehicle,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = CallContext(aux.plain)
	if strings.TrimSpace(c.VehicleName) == "" {
		c.VehicleName = aux.Vehicle
	}
	return nil
}

// FlexString decodes from either a JSON string or a JSON number.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Int returns the integer value, if the string holds one.
func (f FlexString) Int() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(string(f)))
	if err != nil {
		return 0, false
	}
	return n, true
}

// TranscriptEntry is one finalized utterance.
type TranscriptEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// CallResult is the post-call record exposed to the caller that placed the call.
type CallResult struct {
	CallCompleted bool              `json:"callCompleted"`
	Reason        string            `json:"success"`
	Summary       *string           `json:"callSummary"`
	Transcript    []TranscriptEntry `json:"transcription"`
}
