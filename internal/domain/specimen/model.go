package specimen

import (
	"fmt"
	"strings"
	"time"

	"github.com/labtrack/labtrack/internal/platform/apperr"
	"github.com/labtrack/labtrack/internal/platform/webhook"
)

// TubeStatus is the lifecycle state of a tube.
type TubeStatus string

const (
	TubeCreated            TubeStatus = "CREATED"
	TubeDroppedOff         TubeStatus = "DROPPED_OFF"
	TubeAccepted           TubeStatus = "ACCEPTED"
	TubeRejected           TubeStatus = "REJECTED"
	TubeExternalProcessing TubeStatus = "EXTERNAL_PROCESSING"
)

// tubeTransitions defines valid status transitions for Tube.
var tubeTransitions = map[TubeStatus][]TubeStatus{
	TubeCreated:            {TubeDroppedOff},
	TubeDroppedOff:         {TubeAccepted, TubeRejected},
	TubeAccepted:           {TubeExternalProcessing},
	TubeRejected:           {},
	TubeExternalProcessing: {},
}

// ValidateTransition checks that a tube may move from one status to another.
func ValidateTransition(from, to TubeStatus) error {
	allowed, ok := tubeTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown tube status %s", apperr.ErrValidation, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: invalid transition from %s to %s", apperr.ErrPrecondition, from, to)
}

// TubeType is the kind of collection device.
type TubeType string

const (
	TubeSaliva TubeType = "SALIVA"
	TubeSwab   TubeType = "SWAB"
	TubeBlood  TubeType = "BLOOD"
)

// ParseTubeType validates a tube type, ignoring case.
func ParseTubeType(s string) (TubeType, error) {
	switch t := TubeType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TubeSaliva, TubeSwab, TubeBlood:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown tube type %q", apperr.ErrValidation, s)
	}
}

// SpecimenStatus follows the check-in decision of the owning tube.
type SpecimenStatus string

const (
	SpecimenPending  SpecimenStatus = "PENDING"
	SpecimenAccepted SpecimenStatus = "ACCEPTED"
	SpecimenRejected SpecimenStatus = "REJECTED"
)

// ResultKind discriminates the result variants.
type ResultKind string

const (
	ResultViral    ResultKind = "viral"
	ResultAntibody ResultKind = "antibody"
)

// ParseResultKind accepts "viral", "qpcr" and "antibody".
func ParseResultKind(s string) (ResultKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viral", "qpcr":
		return ResultViral, nil
	case "antibody":
		return ResultAntibody, nil
	default:
		return "", fmt.Errorf("%w: unknown result kind %q", apperr.ErrValidation, s)
	}
}

// WebhookKind returns the published record kind of results of this kind.
func (k ResultKind) WebhookKind() webhook.Kind {
	if k == ResultAntibody {
		return webhook.KindAntibodyResult
	}
	return webhook.KindViralResult
}

// Conclusion is the interpretation of a result.
type Conclusion string

const (
	ConclusionPositive     Conclusion = "POSITIVE"
	ConclusionRecommended  Conclusion = "RECOMMENDED"
	ConclusionNonNegative  Conclusion = "NON_NEGATIVE"
	ConclusionNegative     Conclusion = "NEGATIVE"
	ConclusionInconclusive Conclusion = "INCONCLUSIVE"
)

var conclusionsByKind = map[ResultKind]map[Conclusion]bool{
	ResultViral: {
		ConclusionPositive: true, ConclusionRecommended: true, ConclusionNonNegative: true,
		ConclusionNegative: true, ConclusionInconclusive: true,
	},
	ResultAntibody: {
		ConclusionPositive: true, ConclusionNonNegative: true,
		ConclusionNegative: true, ConclusionInconclusive: true,
	},
}

// ValidateConclusion checks c is allowed for results of kind.
func ValidateConclusion(kind ResultKind, c Conclusion) error {
	allowed, ok := conclusionsByKind[kind]
	if !ok {
		return fmt.Errorf("%w: unknown result kind %q", apperr.ErrValidation, kind)
	}
	if !allowed[c] {
		return fmt.Errorf("%w: conclusion %q is not valid for %s results", apperr.ErrValidation, c, kind)
	}
	return nil
}

// ParticipantGroup is a cohort whose members drop off tubes.
type ParticipantGroup struct {
	ID                               int64     `json:"id"`
	AccessionID                      string    `json:"accession_id"`
	ExternalID                       *string   `json:"external_id,omitempty"`
	Title                            string    `json:"title"`
	ParticipantCount                 int       `json:"participant_count"`
	IsControl                        bool      `json:"is_control"`
	IsActive                         bool      `json:"is_active"`
	ViralWebHookEnabled              bool      `json:"viral_webhook_enabled"`
	AntibodyWebHookEnabled           bool      `json:"antibody_webhook_enabled"`
	ExternalProcessingWebHookEnabled bool      `json:"external_processing_webhook_enabled"`
	CreatedAt                        time.Time `json:"created_at"`
	UpdatedAt                        time.Time `json:"updated_at"`
}

// NewParticipantGroup creates an active group. The accession ID is
// assigned when the group is stored.
func NewParticipantGroup(title string, participantCount int) (*ParticipantGroup, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: group title is required", apperr.ErrValidation)
	}
	if participantCount <= 0 {
		return nil, fmt.Errorf("%w: participant count must be positive, got %d", apperr.ErrValidation, participantCount)
	}
	return &ParticipantGroup{Title: title, ParticipantCount: participantCount, IsActive: true}, nil
}

// Publishes reports whether records of kind are published for the group.
func (g *ParticipantGroup) Publishes(kind webhook.Kind) bool {
	if !g.IsActive {
		return false
	}
	switch kind {
	case webhook.KindViralResult:
		return g.ViralWebHookEnabled && !g.IsControl
	case webhook.KindAntibodyResult:
		return g.AntibodyWebHookEnabled && !g.IsControl
	case webhook.KindTubeExternalProcessing:
		return g.ExternalProcessingWebHookEnabled
	}
	return false
}

// Tube is a labelled collection device. It owns at most one specimen.
type Tube struct {
	ID                   int64           `json:"id"`
	AccessionID          string          `json:"accession_id"`
	Status               TubeStatus      `json:"status"`
	TubeType             *TubeType       `json:"tube_type,omitempty"`
	ParticipantGroupID   *int64          `json:"participant_group_id,omitempty"`
	SpecimenID           *int64          `json:"specimen_id,omitempty"`
	CollectedAt          *time.Time      `json:"collected_at,omitempty"`
	ReturnedAt           *time.Time      `json:"returned_at,omitempty"`
	CheckedInAt          *time.Time      `json:"checked_in_at,omitempty"`
	CheckedInBy          *string         `json:"checked_in_by,omitempty"`
	RejectionReason      *string         `json:"rejection_reason,omitempty"`
	ExternalProcessingAt *time.Time      `json:"external_processing_at,omitempty"`
	WebHookStatus        *webhook.Status `json:"webhook_status,omitempty"`
	LastWebHookSuccessAt *time.Time      `json:"last_webhook_success_at,omitempty"`
	LastWebHookMessage   *string         `json:"last_webhook_message,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Specimen is the lab's handle on the material in a tube. It is created
// once, at drop-off, and never removed.
type Specimen struct {
	ID                 int64          `json:"id"`
	AccessionID        string         `json:"accession_id"`
	ParticipantGroupID int64          `json:"participant_group_id"`
	TubeID             int64          `json:"tube_id"`
	Type               TubeType       `json:"type"`
	CollectedAt        time.Time      `json:"collected_at"`
	Status             SpecimenStatus `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// PersistedKey exposes the store-assigned key to accession generators.
func (s *Specimen) PersistedKey() (int64, bool) { return s.ID, s.ID > 0 }

// WellPlate holds up to one specimen per normalised position.
type WellPlate struct {
	ID              int64     `json:"id"`
	Barcode         string    `json:"barcode"`
	StorageLocation *string   `json:"storage_location,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// SpecimenWell places a specimen on a plate. Position is kept as entered;
// NormalizedPosition is what uniqueness is enforced on.
type SpecimenWell struct {
	ID                 int64     `json:"id"`
	WellPlateID        int64     `json:"well_plate_id"`
	SpecimenID         int64     `json:"specimen_id"`
	Position           *string   `json:"position,omitempty"`
	NormalizedPosition *string   `json:"normalized_position,omitempty"`
	WellIdentifier     *string   `json:"well_identifier,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// ViralPayload carries the qPCR measurement.
type ViralPayload struct {
	CtValue *float64 `json:"ct_value,omitempty"`
}

// AntibodyPayload carries the antibody assay signal.
type AntibodyPayload struct {
	Signal *string `json:"signal,omitempty"`
}

// Result is one interpreted measurement of a specimen. Exactly one of
// Viral and Antibody is set, matching Kind.
type Result struct {
	ID                   int64            `json:"id"`
	Kind                 ResultKind       `json:"kind"`
	SpecimenID           int64            `json:"specimen_id"`
	WellID               *int64           `json:"well_id,omitempty"`
	Conclusion           *Conclusion      `json:"conclusion,omitempty"`
	Viral                *ViralPayload    `json:"viral,omitempty"`
	Antibody             *AntibodyPayload `json:"antibody,omitempty"`
	WebHookStatus        *webhook.Status  `json:"webhook_status,omitempty"`
	LastWebHookSuccessAt *time.Time       `json:"last_webhook_success_at,omitempty"`
	LastWebHookMessage   *string          `json:"last_webhook_message,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// stale reports whether content changed after the last successful delivery.
func stale(status *webhook.Status, changed time.Time, lastSuccess *time.Time) bool {
	if status == nil {
		return false
	}
	if *status != webhook.StatusSuccess {
		return true
	}
	return lastSuccess == nil || changed.After(*lastSuccess)
}

// ResultDue reports whether r must be published for group g.
func ResultDue(r *Result, g *ParticipantGroup) bool {
	return r.Conclusion != nil && g.Publishes(r.Kind.WebhookKind()) &&
		stale(r.WebHookStatus, r.UpdatedAt, r.LastWebHookSuccessAt)
}

// TubeDue reports whether the external processing of t must be published.
func TubeDue(t *Tube, g *ParticipantGroup) bool {
	return t.Status == TubeExternalProcessing && t.ExternalProcessingAt != nil &&
		g.Publishes(webhook.KindTubeExternalProcessing) &&
		stale(t.WebHookStatus, *t.ExternalProcessingAt, t.LastWebHookSuccessAt)
}

// requeue moves a delivered or failed record back into the queue after its
// content changed. SUCCESS is kept; the record becomes stale through its
// timestamps instead.
func requeue(status *webhook.Status) *webhook.Status {
	if status == nil || *status == webhook.StatusError {
		q := webhook.StatusQueued
		return &q
	}
	return status
}

// ResultDelivery is a due result with everything its webhook record needs.
type ResultDelivery struct {
	Result   Result
	Specimen Specimen
	Tube     Tube
	Group    ParticipantGroup
	Well     *SpecimenWell
	Plate    *WellPlate
}

// TubeDelivery is a due tube with its group and specimen.
type TubeDelivery struct {
	Tube     Tube
	Specimen *Specimen
	Group    ParticipantGroup
}
