// Package webhook publishes lab records to remote systems.
//
// A Source selects the records of one kind that are due for delivery. The
// Synchronizer submits them in batches through Client, interprets the
// per-row acknowledgement with Reconcile and hands the outcomes back to the
// Source, which persists them in one transaction. Runs for the same kind and
// endpoint are serialised through a Locker.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

// Kind names a type of published record. Each kind has its own endpoint.
type Kind string

const (
	KindViralResult            Kind = "viral_result"
	KindAntibodyResult         Kind = "antibody_result"
	KindTubeExternalProcessing Kind = "tube_external_processing"
)

// Kinds lists every record kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindViralResult, KindAntibodyResult, KindTubeExternalProcessing}
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown webhook kind %q", apperr.ErrValidation, s)
}

// Status is the delivery state stored on every published record.
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Record is one due record as it is submitted. ID is echoed back by the
// remote system; UpdatedAt is the modification time seen when the record was
// selected.
type Record struct {
	ID        int64
	UpdatedAt time.Time
	Fields    map[string]interface{}
}

// MarshalJSON writes the business fields with the decimal ID under "id".
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = strconv.FormatInt(r.ID, 10)
	return json.Marshal(out)
}

// Outcome is the reconciled delivery state of one record. Snapshot is the
// UpdatedAt of the record as it was submitted; a store only applies the
// status while the record is still at that version.
type Outcome struct {
	RecordID int64     `json:"record_id"`
	Status   Status    `json:"status"`
	At       time.Time `json:"at"`
	Message  string    `json:"message"`
	Snapshot time.Time `json:"-"`
}

// Current reports whether the outcome was reconciled against version v of
// its record. An outcome without a snapshot matches any version.
func (o Outcome) Current(v time.Time) bool {
	return o.Snapshot.IsZero() || o.Snapshot.Equal(v)
}

// Source provides the due records of one kind and persists their outcomes.
// Apply must write all outcomes atomically, and must leave a record due when
// it changed after the outcome's Snapshot.
type Source interface {
	Kind() Kind
	Due(ctx context.Context) ([]Record, error)
	Apply(ctx context.Context, outcomes []Outcome) error
}

// FormatTime renders timestamps the way remote systems expect them: UTC,
// RFC 3339, second precision.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
