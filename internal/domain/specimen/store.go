package specimen

import (
	"context"
	"time"

	"github.com/labtrack/labtrack/internal/platform/webhook"
	"github.com/labtrack/labtrack/pkg/pagination"
)

// Store persists the lifecycle entities. Unique constraints on accession
// IDs, plate barcodes and normalised well positions are enforced here:
// inserts report apperr.ErrDuplicate or apperr.ErrPositionTaken, lookups
// report apperr.ErrNotFound.
type Store interface {
	// InTx runs fn atomically. Nested calls join the outer transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateGroup(ctx context.Context, g *ParticipantGroup) error
	GetGroup(ctx context.Context, id int64) (*ParticipantGroup, error)
	GetGroupByAccession(ctx context.Context, accessionID string) (*ParticipantGroup, error)
	UpdateGroup(ctx context.Context, g *ParticipantGroup) error
	ListGroups(ctx context.Context, p pagination.Params) ([]*ParticipantGroup, int, error)
	GroupAccessionExists(ctx context.Context, accessionID string) (bool, error)

	CreateTube(ctx context.Context, t *Tube) error
	GetTube(ctx context.Context, id int64) (*Tube, error)
	GetTubeByAccession(ctx context.Context, accessionID string) (*Tube, error)
	UpdateTube(ctx context.Context, t *Tube) error
	TubeAccessionExists(ctx context.Context, accessionID string) (bool, error)

	// CreateSpecimen assigns the key; the accession ID is set afterwards
	// with SetSpecimenAccession, which fails once one is stored.
	CreateSpecimen(ctx context.Context, s *Specimen) error
	SetSpecimenAccession(ctx context.Context, id int64, accessionID string) error
	GetSpecimen(ctx context.Context, id int64) (*Specimen, error)
	GetSpecimenByAccession(ctx context.Context, accessionID string) (*Specimen, error)
	UpdateSpecimenStatus(ctx context.Context, id int64, status SpecimenStatus, at time.Time) error
	SpecimenAccessionExists(ctx context.Context, accessionID string) (bool, error)

	CreatePlate(ctx context.Context, p *WellPlate) error
	GetPlate(ctx context.Context, id int64) (*WellPlate, error)
	GetPlateByBarcode(ctx context.Context, barcode string) (*WellPlate, error)

	CreateWell(ctx context.Context, w *SpecimenWell) error
	GetWell(ctx context.Context, id int64) (*SpecimenWell, error)
	UpdateWell(ctx context.Context, w *SpecimenWell) error
	ListWells(ctx context.Context, plateID int64) ([]*SpecimenWell, error)
	// PositionTaken reports whether another well than excludeWellID holds
	// the normalised position on the plate.
	PositionTaken(ctx context.Context, plateID int64, normalized string, excludeWellID int64) (bool, error)

	CreateResult(ctx context.Context, r *Result) error
	GetResult(ctx context.Context, id int64) (*Result, error)
	UpdateResult(ctx context.Context, r *Result) error
	ListResults(ctx context.Context, specimenID int64) ([]*Result, error)

	// DueResults and DueTubes select the records ResultDue and TubeDue
	// accept, ordered by key.
	DueResults(ctx context.Context, kind ResultKind) ([]*ResultDelivery, error)
	DueTubes(ctx context.Context) ([]*TubeDelivery, error)

	// ApplyResultOutcomes and ApplyTubeOutcomes write delivery outcomes in
	// one transaction without touching UpdatedAt. An outcome whose Snapshot
	// no longer matches the record only updates the message. An unknown
	// record fails the whole call.
	ApplyResultOutcomes(ctx context.Context, kind ResultKind, outcomes []webhook.Outcome) error
	ApplyTubeOutcomes(ctx context.Context, outcomes []webhook.Outcome) error
}

// applyOutcome writes o to a record currently at version. A record changed
// since it was submitted only gets the message; its status and success time
// stay as they were so it remains due.
func applyOutcome(status **webhook.Status, lastSuccess **time.Time, message **string, version time.Time, o webhook.Outcome) {
	msg := o.Message
	*message = &msg
	if !o.Current(version) {
		return
	}
	s := o.Status
	*status = &s
	if o.Status == webhook.StatusSuccess {
		at := o.At
		*lastSuccess = &at
	}
}
