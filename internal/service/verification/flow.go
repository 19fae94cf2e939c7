package verification

import (
	"encoding/json"
	"fmt"
	"time"

	"e2e_crypto/internal/model"
	"e2e_crypto/internal/store"
)

type State string

const (
	StateRequested     State = "requested"
	StateReady         State = "ready"
	StateStarted       State = "started"
	StateAccepted      State = "accepted"
	StateKeysExchanged State = "keys_exchanged"
	StateMacsExchanged State = "macs_exchanged"
	StateDone          State = "done"
	StateCancelled     State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled
}

const (
	CancelUser                 = "m.user"
	CancelTimeout              = "m.timeout"
	CancelUnknownTransaction   = "m.unknown_transaction"
	CancelUnknownMethod        = "m.unknown_method"
	CancelUnexpectedMessage    = "m.unexpected_message"
	CancelKeyMismatch          = "m.key_mismatch"
	CancelUserMismatch         = "m.user_mismatch"
	CancelInvalidMessage       = "m.invalid_message"
	CancelAccepted             = "m.accepted"
	CancelMismatchedCommitment = "m.mismatched_commitment"
	CancelMismatchedSAS        = "m.mismatched_sas"
)

type (
	// CancelError describes why a flow ended in StateCancelled.
	CancelError struct {
		Code   string `json:"code"`
		Reason string `json:"reason,omitempty"`
		// ByUs is set when this device sent the cancellation.
		ByUs bool `json:"by_us"`
	}

	// Message is a to-device event for the transport to deliver.
	Message struct {
		UserID   string
		DeviceID string
		Type     string
		Content  any
	}

	// Outgoing collects what a transition produced.
	Outgoing struct {
		Messages         []Message
		SignatureUploads []*model.SignatureUploadRequest
	}

	Flow struct {
		TransactionID string
		OtherUserID   string
		OtherDeviceID string
		State         State
		WeStarted     bool
		Cancel        *CancelError
		CreatedAt     time.Time
	}

	// flowData is the persisted private part of a flow.
	flowData struct {
		WeRequested bool                            `json:"we_requested"`
		WeStarted   bool                            `json:"we_started"`
		Start       *model.VerificationStartContent `json:"start,omitempty"`
		Commitment  string                          `json:"commitment,omitempty"`
		SASKey      []byte                          `json:"sas_key,omitempty"`
		TheirKey    string                          `json:"their_key,omitempty"`
		KeySent     bool                            `json:"key_sent"`
		Confirmed   bool                            `json:"confirmed"`
		TheirMac    *model.VerificationMacContent   `json:"their_mac,omitempty"`
		TheirDone   bool                            `json:"their_done"`
		Cancel      *CancelError                    `json:"cancel,omitempty"`
	}

	flow struct {
		rec  *store.VerificationFlow
		data flowData
		// verified is set once both MACs matched; the trust change is saved
		// with the flow.
		verified *verifiedKeys
	}

	verifiedKeys struct {
		device, master bool
	}
)

func (e *CancelError) Error() string {
	if e.Reason == "" {
		return "verification cancelled: " + e.Code
	}
	return fmt.Sprintf("verification cancelled: %s: %s", e.Code, e.Reason)
}

func (o *Outgoing) send(userID, deviceID, eventType string, content any) {
	o.Messages = append(o.Messages, Message{UserID: userID, DeviceID: deviceID, Type: eventType, Content: content})
}

func (o *Outgoing) Empty() bool {
	return o == nil || (len(o.Messages) == 0 && len(o.SignatureUploads) == 0)
}

func decodeFlow(rec *store.VerificationFlow) (*flow, error) {
	f := &flow{rec: rec}
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &f.data); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *flow) encode(now time.Time) error {
	raw, err := json.Marshal(f.data)
	if err != nil {
		return err
	}
	f.rec.Data = raw
	f.rec.UpdatedAt = now
	return nil
}

func (f *flow) state() State {
	return State(f.rec.State)
}

func (f *flow) set(s State) {
	f.rec.State = string(s)
}

func (f *flow) view() *Flow {
	return &Flow{
		TransactionID: f.rec.TransactionID,
		OtherUserID:   f.rec.OtherUserID,
		OtherDeviceID: f.rec.OtherDeviceID,
		State:         f.state(),
		WeStarted:     f.data.WeStarted,
		Cancel:        f.data.Cancel,
		CreatedAt:     f.rec.CreatedAt,
	}
}
