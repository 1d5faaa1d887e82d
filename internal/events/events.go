package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Topic names shared with counterpart services. Consumed topics carry signals
// into the orchestrator; published topics carry its outcomes.
const (
	TopicDocumentsReady      = "documents.ready"
	TopicRegisterCompleted   = "register.citizen.completed"
	TopicUnregisterCompleted = "unregister.citizen.completed"
	TopicDocumentsDownload   = "documents.download.requested"
	TopicRegisterRequested   = "register.citizen.requested"
	TopicUnregisterRequested = "unregister.citizen.requested"
	TopicAffiliationCreated  = "affiliation.created"
	TopicUserTransferred     = "user.transferred"
)

// ErrMalformedEvent marks a payload that can never be processed. Consumers
// dead-letter these instead of retrying.
var ErrMalformedEvent = errors.New("malformed event payload")

// CitizenID tolerates producers that serialize ids as JSON numbers instead of
// strings. Decoded values are always the canonical string form.
type CitizenID string

func (c *CitizenID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = CitizenID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = CitizenID(n.String())
	return nil
}

// DocumentsReady signals that a citizen's document bundle finished importing.
type DocumentsReady struct {
	CitizenID CitizenID `json:"idCitizen"`
}

// RegisterCompleted is the registry's asynchronous verdict on a registration.
// A 2xx status code means the citizen is verified and registered.
type RegisterCompleted struct {
	CitizenID  CitizenID `json:"id"`
	StatusCode int       `json:"statusCode"`
	Message    string    `json:"message,omitempty"`
}

// Success reports whether the registry accepted the registration.
func (r RegisterCompleted) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// UnregisterCompleted is the registry's verdict on an unregistration.
type UnregisterCompleted struct {
	CitizenID  CitizenID `json:"id"`
	StatusCode int       `json:"statusCode"`
}

// Success reports whether the registry removed the citizen.
func (u UnregisterCompleted) Success() bool {
	return u.StatusCode >= 200 && u.StatusCode < 300
}

// DocumentsDownloadRequested asks the document service to pull a citizen's
// bundle from the source operator.
type DocumentsDownloadRequested struct {
	CitizenID    string              `json:"idCitizen"`
	URLDocuments map[string][]string `json:"urlDocuments"`
}

// RegisterRequested asks the registry worker to register a citizen.
type RegisterRequested struct {
	CitizenID    string `json:"id"`
	Name         string `json:"name"`
	Address      string `json:"address"`
	Email        string `json:"email"`
	OperatorID   string `json:"operatorId"`
	OperatorName string `json:"operatorName"`
}

// UnregisterRequested asks the registry worker to unregister a citizen ahead
// of an outgoing transfer.
type UnregisterRequested struct {
	CitizenID    string `json:"id"`
	OperatorID   string `json:"operatorId"`
	OperatorName string `json:"operatorName"`
}

// AffiliationCreated announces a completed incoming affiliation to the rest of
// the platform.
type AffiliationCreated struct {
	CitizenID string `json:"idCitizen"`
}

// UserTransferred announces a terminal transfer outcome.
type UserTransferred struct {
	CitizenID string `json:"id"`
	Status    string `json:"status"`
}

// Decode unmarshals a consumed payload, folding all decode failures into
// ErrMalformedEvent so consumers can branch on one sentinel.
func Decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return v, nil
}
