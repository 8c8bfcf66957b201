package specimen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/labtrack/labtrack/internal/platform/accession"
	"github.com/labtrack/labtrack/internal/platform/apperr"
	"github.com/labtrack/labtrack/internal/platform/idcodec"
	"github.com/labtrack/labtrack/internal/platform/webhook"
	"github.com/labtrack/labtrack/pkg/pagination"
)

// Accession prefixes of randomly generated IDs.
const (
	GroupPrefix    = "GRP-"
	TubePrefix     = "T"
	SpecimenPrefix = accession.DefaultSpecimenPrefix
)

// Option configures a Service.
type Option func(*Service)

// WithSpecimenIDs sets the generator of specimen accession IDs, typically an
// accession.FPEGenerator. Without it specimens get random IDs.
func WithSpecimenIDs(g accession.Generator) Option {
	return func(s *Service) { s.specimenIDs = g }
}

// WithMaxAttempts bounds the random ID retry loops.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service implements the tube, specimen, plate and result lifecycle.
type Service struct {
	store       Store
	specimenIDs accession.Generator
	maxAttempts int
	now         func() time.Time
	logger      zerolog.Logger
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		maxAttempts: accession.DefaultMaxAttempts,
		now:         time.Now,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) randomIDs(prefix string, exists accession.ExistsFunc) (*accession.RandomGenerator, error) {
	return accession.NewRandomGenerator(prefix, exists, accession.WithMaxAttempts(s.maxAttempts))
}

// Participant groups

// GroupRequest describes a group to create.
type GroupRequest struct {
	Title                            string  `json:"title"`
	ParticipantCount                 int     `json:"participant_count"`
	ExternalID                       *string `json:"external_id,omitempty"`
	IsControl                        bool    `json:"is_control"`
	ViralWebHookEnabled              bool    `json:"viral_webhook_enabled"`
	AntibodyWebHookEnabled           bool    `json:"antibody_webhook_enabled"`
	ExternalProcessingWebHookEnabled bool    `json:"external_processing_webhook_enabled"`
}

func (r GroupRequest) build(now time.Time) (*ParticipantGroup, error) {
	g, err := NewParticipantGroup(r.Title, r.ParticipantCount)
	if err != nil {
		return nil, err
	}
	g.ExternalID = r.ExternalID
	g.IsControl = r.IsControl
	g.ViralWebHookEnabled = r.ViralWebHookEnabled
	g.AntibodyWebHookEnabled = r.AntibodyWebHookEnabled
	g.ExternalProcessingWebHookEnabled = r.ExternalProcessingWebHookEnabled
	g.CreatedAt = now
	g.UpdatedAt = now
	return g, nil
}

func (s *Service) insertGroup(ctx context.Context, gen *accession.RandomGenerator, g *ParticipantGroup) error {
	_, err := gen.Insert(ctx, func(ctx context.Context, id string) error {
		g.AccessionID = id
		return s.store.CreateGroup(ctx, g)
	})
	return err
}

// CreateGroup stores a new group with a random GRP- accession ID.
func (s *Service) CreateGroup(ctx context.Context, req GroupRequest) (*ParticipantGroup, error) {
	g, err := req.build(s.clock())
	if err != nil {
		return nil, err
	}
	gen, err := s.randomIDs(GroupPrefix, s.store.GroupAccessionExists)
	if err != nil {
		return nil, err
	}
	if err := s.insertGroup(ctx, gen, g); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	s.logger.Info().Str("group", g.AccessionID).Int("participants", g.ParticipantCount).Msg("participant group created")
	return g, nil
}

// ImportGroups validates every request before storing any, then stores all
// groups in one transaction. IDs are distinct within the import even though
// none is visible to the store until commit.
func (s *Service) ImportGroups(ctx context.Context, reqs []GroupRequest) ([]*ParticipantGroup, error) {
	now := s.clock()
	groups := make([]*ParticipantGroup, 0, len(reqs))
	for i, r := range reqs {
		g, err := r.build(now)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		groups = append(groups, g)
	}
	gen, err := s.randomIDs(GroupPrefix, s.store.GroupAccessionExists)
	if err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		for i, g := range groups {
			if err := s.insertGroup(ctx, gen, g); err != nil {
				return fmt.Errorf("row %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		for _, g := range groups {
			g.ID, g.AccessionID = 0, ""
		}
		return nil, fmt.Errorf("import groups: %w", err)
	}
	s.logger.Info().Int("count", len(groups)).Msg("participant groups imported")
	return groups, nil
}

// GroupUpdate changes the mutable fields of a group. Nil fields are kept.
type GroupUpdate struct {
	Title                            *string `json:"title,omitempty"`
	ParticipantCount                 *int    `json:"participant_count,omitempty"`
	ExternalID                       *string `json:"external_id,omitempty"`
	IsControl                        *bool   `json:"is_control,omitempty"`
	IsActive                         *bool   `json:"is_active,omitempty"`
	ViralWebHookEnabled              *bool   `json:"viral_webhook_enabled,omitempty"`
	AntibodyWebHookEnabled           *bool   `json:"antibody_webhook_enabled,omitempty"`
	ExternalProcessingWebHookEnabled *bool   `json:"external_processing_webhook_enabled,omitempty"`
}

func (s *Service) UpdateGroup(ctx context.Context, accessionID string, u GroupUpdate) (*ParticipantGroup, error) {
	g, err := s.store.GetGroupByAccession(ctx, accessionID)
	if err != nil {
		return nil, err
	}
	if u.Title != nil {
		if strings.TrimSpace(*u.Title) == "" {
			return nil, fmt.Errorf("%w: group title is required", apperr.ErrValidation)
		}
		g.Title = strings.TrimSpace(*u.Title)
	}
	if u.ParticipantCount != nil {
		if *u.ParticipantCount <= 0 {
			return nil, fmt.Errorf("%w: participant count must be positive, got %d", apperr.ErrValidation, *u.ParticipantCount)
		}
		g.ParticipantCount = *u.ParticipantCount
	}
	if u.ExternalID != nil {
		g.ExternalID = u.ExternalID
	}
	setBool(&g.IsControl, u.IsControl)
	setBool(&g.IsActive, u.IsActive)
	setBool(&g.ViralWebHookEnabled, u.ViralWebHookEnabled)
	setBool(&g.AntibodyWebHookEnabled, u.AntibodyWebHookEnabled)
	setBool(&g.ExternalProcessingWebHookEnabled, u.ExternalProcessingWebHookEnabled)
	g.UpdatedAt = s.clock()
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func (s *Service) GetGroup(ctx context.Context, accessionID string) (*ParticipantGroup, error) {
	return s.store.GetGroupByAccession(ctx, accessionID)
}

func (s *Service) ListGroups(ctx context.Context, p pagination.Params) ([]*ParticipantGroup, int, error) {
	return s.store.ListGroups(ctx, p)
}

// Tubes

func (s *Service) newTube(accessionID string) *Tube {
	now := s.clock()
	return &Tube{AccessionID: accessionID, Status: TubeCreated, CreatedAt: now, UpdatedAt: now}
}

// CreateTube registers a printed label. An empty accession ID is replaced by
// a random T-prefixed one.
func (s *Service) CreateTube(ctx context.Context, accessionID string) (*Tube, error) {
	accessionID = strings.TrimSpace(accessionID)
	t := s.newTube(accessionID)
	if accessionID != "" {
		if err := s.store.CreateTube(ctx, t); err != nil {
			return nil, err
		}
		return t, nil
	}
	gen, err := s.randomIDs(TubePrefix, s.store.TubeAccessionExists)
	if err != nil {
		return nil, err
	}
	if _, err := gen.Insert(ctx, func(ctx context.Context, id string) error {
		t.AccessionID = id
		return s.store.CreateTube(ctx, t)
	}); err != nil {
		return nil, fmt.Errorf("create tube: %w", err)
	}
	return t, nil
}

// CreateTubes registers count labels with generated IDs in one transaction.
func (s *Service) CreateTubes(ctx context.Context, count int) ([]*Tube, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: tube count must be positive, got %d", apperr.ErrValidation, count)
	}
	gen, err := s.randomIDs(TubePrefix, s.store.TubeAccessionExists)
	if err != nil {
		return nil, err
	}
	tubes := make([]*Tube, 0, count)
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		for i := 0; i < count; i++ {
			t := s.newTube("")
			if _, err := gen.Insert(ctx, func(ctx context.Context, id string) error {
				t.AccessionID = id
				return s.store.CreateTube(ctx, t)
			}); err != nil {
				return err
			}
			tubes = append(tubes, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create tubes: %w", err)
	}
	s.logger.Info().Int("count", count).Msg("tube labels created")
	return tubes, nil
}

func (s *Service) GetTube(ctx context.Context, accessionID string) (*Tube, error) {
	return s.store.GetTubeByAccession(ctx, accessionID)
}

// DropOffRequest is a participant returning a tube.
type DropOffRequest struct {
	TubeAccessionID  string    `json:"tube_accession_id"`
	GroupAccessionID string    `json:"group_accession_id"`
	TubeType         TubeType  `json:"tube_type"`
	CollectedAt      time.Time `json:"collected_at"`
}

// DropOff records the return of a tube and allocates its specimen. The
// specimen is inserted first so its key can feed the accession generator;
// both happen in one transaction.
func (s *Service) DropOff(ctx context.Context, req DropOffRequest) (*Tube, *Specimen, error) {
	tubeType, err := ParseTubeType(string(req.TubeType))
	if err != nil {
		return nil, nil, err
	}
	if req.CollectedAt.IsZero() {
		return nil, nil, fmt.Errorf("%w: collected_at is required", apperr.ErrValidation)
	}
	if strings.TrimSpace(req.GroupAccessionID) == "" {
		return nil, nil, fmt.Errorf("%w: participant group is required", apperr.ErrValidation)
	}

	var tube *Tube
	var sp *Specimen
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		t, err := s.store.GetTubeByAccession(ctx, req.TubeAccessionID)
		if err != nil {
			return err
		}
		if t.Status != TubeCreated || t.SpecimenID != nil {
			return fmt.Errorf("%w: tube %s is %s", apperr.ErrAlreadyProcessed, t.AccessionID, t.Status)
		}
		g, err := s.store.GetGroupByAccession(ctx, req.GroupAccessionID)
		if err != nil {
			return err
		}
		if !g.IsActive {
			return fmt.Errorf("%w: participant group %s is inactive", apperr.ErrPrecondition, g.AccessionID)
		}

		now := s.clock()
		collected := req.CollectedAt.UTC()
		sp = &Specimen{
			ParticipantGroupID: g.ID,
			TubeID:             t.ID,
			Type:               tubeType,
			CollectedAt:        collected,
			Status:             SpecimenPending,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.store.CreateSpecimen(ctx, sp); err != nil {
			if errors.Is(err, apperr.ErrDuplicate) {
				return fmt.Errorf("%w: tube %s already has a specimen", apperr.ErrAlreadyProcessed, t.AccessionID)
			}
			return err
		}
		if sp.AccessionID, err = s.assignSpecimenAccession(ctx, sp); err != nil {
			return err
		}

		if err := ValidateTransition(t.Status, TubeDroppedOff); err != nil {
			return err
		}
		t.Status = TubeDroppedOff
		t.TubeType = &tubeType
		t.ParticipantGroupID = &g.ID
		t.SpecimenID = &sp.ID
		t.CollectedAt = &collected
		t.ReturnedAt = &now
		t.UpdatedAt = now
		if err := s.store.UpdateTube(ctx, t); err != nil {
			return err
		}
		tube = t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info().Str("tube", tube.AccessionID).Str("specimen", sp.AccessionID).Msg("tube dropped off")
	return tube, sp, nil
}

func (s *Service) assignSpecimenAccession(ctx context.Context, sp *Specimen) (string, error) {
	if s.specimenIDs != nil {
		id, err := s.specimenIDs.Generate(ctx, sp)
		if err != nil {
			return "", err
		}
		return id, s.store.SetSpecimenAccession(ctx, sp.ID, id)
	}
	gen, err := s.randomIDs(SpecimenPrefix, s.store.SpecimenAccessionExists)
	if err != nil {
		return "", err
	}
	return gen.Insert(ctx, func(ctx context.Context, id string) error {
		return s.store.SetSpecimenAccession(ctx, sp.ID, id)
	})
}

// CheckInRequest is the staff decision on a dropped-off tube.
type CheckInRequest struct {
	TubeAccessionID string     `json:"tube_accession_id"`
	Decision        TubeStatus `json:"decision"`
	Reason          string     `json:"reason,omitempty"`
	CheckedInBy     string     `json:"checked_in_by,omitempty"`
}

// CheckIn accepts or rejects a dropped-off tube and its specimen.
func (s *Service) CheckIn(ctx context.Context, req CheckInRequest) (*Tube, error) {
	var specimenStatus SpecimenStatus
	switch req.Decision {
	case TubeAccepted:
		specimenStatus = SpecimenAccepted
	case TubeRejected:
		specimenStatus = SpecimenRejected
		if strings.TrimSpace(req.Reason) == "" {
			return nil, fmt.Errorf("%w: a rejection reason is required", apperr.ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: check-in decision must be ACCEPTED or REJECTED, got %q", apperr.ErrValidation, req.Decision)
	}

	var tube *Tube
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		t, err := s.store.GetTubeByAccession(ctx, req.TubeAccessionID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(t.Status, req.Decision); err != nil {
			return err
		}
		if t.SpecimenID == nil {
			return fmt.Errorf("%w: tube %s has no specimen", apperr.ErrPrecondition, t.AccessionID)
		}
		now := s.clock()
		t.Status = req.Decision
		t.CheckedInAt = &now
		if by := strings.TrimSpace(req.CheckedInBy); by != "" {
			t.CheckedInBy = &by
		}
		if req.Decision == TubeRejected {
			reason := strings.TrimSpace(req.Reason)
			t.RejectionReason = &reason
		}
		t.UpdatedAt = now
		if err := s.store.UpdateTube(ctx, t); err != nil {
			return err
		}
		if err := s.store.UpdateSpecimenStatus(ctx, *t.SpecimenID, specimenStatus, now); err != nil {
			return err
		}
		tube = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("tube", tube.AccessionID).Str("decision", string(tube.Status)).Msg("tube checked in")
	return tube, nil
}

// MarkExternalProcessing hands an accepted tube to an outside lab and
// queues the event for publication.
func (s *Service) MarkExternalProcessing(ctx context.Context, tubeAccessionID string) (*Tube, error) {
	var tube *Tube
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		t, err := s.store.GetTubeByAccession(ctx, tubeAccessionID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(t.Status, TubeExternalProcessing); err != nil {
			return err
		}
		now := s.clock()
		queued := webhook.StatusQueued
		t.Status = TubeExternalProcessing
		t.ExternalProcessingAt = &now
		t.WebHookStatus = &queued
		t.UpdatedAt = now
		if err := s.store.UpdateTube(ctx, t); err != nil {
			return err
		}
		tube = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tube, nil
}

// Specimens

func (s *Service) GetSpecimen(ctx context.Context, accessionID string) (*Specimen, error) {
	return s.store.GetSpecimenByAccession(ctx, accessionID)
}

// Plates and wells

// PlateView is a plate with its wells.
type PlateView struct {
	*WellPlate
	Wells []*SpecimenWell `json:"wells"`
}

func (s *Service) CreatePlate(ctx context.Context, barcode, storageLocation string) (*WellPlate, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, fmt.Errorf("%w: plate barcode is required", apperr.ErrValidation)
	}
	p := &WellPlate{Barcode: barcode, CreatedAt: s.clock()}
	if loc := strings.TrimSpace(storageLocation); loc != "" {
		p.StorageLocation = &loc
	}
	if err := s.store.CreatePlate(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetPlate(ctx context.Context, barcode string) (*PlateView, error) {
	p, err := s.store.GetPlateByBarcode(ctx, strings.TrimSpace(barcode))
	if err != nil {
		return nil, err
	}
	wells, err := s.store.ListWells(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &PlateView{WellPlate: p, Wells: wells}, nil
}

// maxPositionLength matches the specimen_well position columns.
const maxPositionLength = 16

// normalizedPosition validates an optional position. Nil means unplaced; an
// empty string is rejected.
func normalizedPosition(pos *string) (*string, *string, error) {
	if pos == nil {
		return nil, nil, nil
	}
	norm, err := idcodec.NormalizePosition(*pos)
	if err != nil {
		return nil, nil, err
	}
	raw := strings.TrimSpace(*pos)
	if n := utf8.RuneCountInString(raw); n > maxPositionLength {
		return nil, nil, fmt.Errorf("%w: position %q has %d characters, at most %d allowed", apperr.ErrValidation, raw, n, maxPositionLength)
	}
	return &raw, &norm, nil
}

func (s *Service) checkPosition(ctx context.Context, plateID int64, norm *string, exclude int64) error {
	if norm == nil {
		return nil
	}
	taken, err := s.store.PositionTaken(ctx, plateID, *norm, exclude)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %s on plate %d", apperr.ErrPositionTaken, *norm, plateID)
	}
	return nil
}

// PlaceRequest puts the specimen of a tube on a plate.
type PlaceRequest struct {
	TubeAccessionID string  `json:"tube_accession_id"`
	PlateBarcode    string  `json:"plate_barcode"`
	Position        *string `json:"position,omitempty"`
	WellIdentifier  *string `json:"well_identifier,omitempty"`
}

func (s *Service) PlaceSpecimen(ctx context.Context, req PlaceRequest) (*SpecimenWell, error) {
	pos, norm, err := normalizedPosition(req.Position)
	if err != nil {
		return nil, err
	}
	t, err := s.store.GetTubeByAccession(ctx, req.TubeAccessionID)
	if err != nil {
		return nil, err
	}
	if t.Status != TubeAccepted || t.SpecimenID == nil {
		return nil, fmt.Errorf("%w: tube %s is %s and cannot be placed", apperr.ErrPrecondition, t.AccessionID, t.Status)
	}
	p, err := s.store.GetPlateByBarcode(ctx, strings.TrimSpace(req.PlateBarcode))
	if err != nil {
		return nil, err
	}
	if err := s.checkPosition(ctx, p.ID, norm, 0); err != nil {
		return nil, err
	}
	w := &SpecimenWell{
		WellPlateID:        p.ID,
		SpecimenID:         *t.SpecimenID,
		Position:           pos,
		NormalizedPosition: norm,
		WellIdentifier:     req.WellIdentifier,
		CreatedAt:          s.clock(),
	}
	if err := s.store.CreateWell(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info().Str("tube", t.AccessionID).Str("plate", p.Barcode).Int64("well", w.ID).Msg("specimen placed")
	return w, nil
}

// MoveRequest changes the plate or position of a well. An empty barcode
// keeps the plate.
type MoveRequest struct {
	PlateBarcode string  `json:"plate_barcode,omitempty"`
	Position     *string `json:"position,omitempty"`
}

func (s *Service) MoveWell(ctx context.Context, wellID int64, req MoveRequest) (*SpecimenWell, error) {
	pos, norm, err := normalizedPosition(req.Position)
	if err != nil {
		return nil, err
	}
	w, err := s.store.GetWell(ctx, wellID)
	if err != nil {
		return nil, err
	}
	if b := strings.TrimSpace(req.PlateBarcode); b != "" {
		p, err := s.store.GetPlateByBarcode(ctx, b)
		if err != nil {
			return nil, err
		}
		w.WellPlateID = p.ID
	}
	if err := s.checkPosition(ctx, w.WellPlateID, norm, w.ID); err != nil {
		return nil, err
	}
	w.Position = pos
	w.NormalizedPosition = norm
	if err := s.store.UpdateWell(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Results

// ResultRequest records a measurement of a specimen.
type ResultRequest struct {
	SpecimenAccessionID string      `json:"specimen_accession_id"`
	WellID              *int64      `json:"well_id,omitempty"`
	Kind                ResultKind  `json:"kind"`
	Conclusion          *Conclusion `json:"conclusion,omitempty"`
	CtValue             *float64    `json:"ct_value,omitempty"`
	Signal              *string     `json:"signal,omitempty"`
}

func (s *Service) RecordResult(ctx context.Context, req ResultRequest) (*Result, error) {
	kind, err := ParseResultKind(string(req.Kind))
	if err != nil {
		return nil, err
	}
	if req.Conclusion != nil {
		if err := ValidateConclusion(kind, *req.Conclusion); err != nil {
			return nil, err
		}
	}
	r := &Result{Kind: kind, WellID: req.WellID, Conclusion: req.Conclusion}
	switch kind {
	case ResultViral:
		if req.Signal != nil {
			return nil, fmt.Errorf("%w: viral results carry a ct value, not a signal", apperr.ErrValidation)
		}
		r.Viral = &ViralPayload{CtValue: req.CtValue}
	case ResultAntibody:
		if req.CtValue != nil {
			return nil, fmt.Errorf("%w: antibody results carry a signal, not a ct value", apperr.ErrValidation)
		}
		r.Antibody = &AntibodyPayload{Signal: req.Signal}
	}

	sp, err := s.store.GetSpecimenByAccession(ctx, req.SpecimenAccessionID)
	if err != nil {
		return nil, err
	}
	if sp.Status != SpecimenAccepted {
		return nil, fmt.Errorf("%w: specimen %s is %s", apperr.ErrPrecondition, sp.AccessionID, sp.Status)
	}
	if req.WellID != nil {
		w, err := s.store.GetWell(ctx, *req.WellID)
		if err != nil {
			return nil, err
		}
		if w.SpecimenID != sp.ID {
			return nil, fmt.Errorf("%w: well %d does not hold specimen %s", apperr.ErrPrecondition, w.ID, sp.AccessionID)
		}
	}

	now := s.clock()
	r.SpecimenID = sp.ID
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Conclusion != nil {
		r.WebHookStatus = requeue(nil)
	}
	if err := s.store.CreateResult(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Info().Str("specimen", sp.AccessionID).Str("kind", string(kind)).Int64("result", r.ID).Msg("result recorded")
	return r, nil
}

// UpdateConclusion changes the interpretation of a result. The result
// becomes due for publication again.
func (s *Service) UpdateConclusion(ctx context.Context, resultID int64, c Conclusion) (*Result, error) {
	r, err := s.store.GetResult(ctx, resultID)
	if err != nil {
		return nil, err
	}
	if err := ValidateConclusion(r.Kind, c); err != nil {
		return nil, err
	}
	r.Conclusion = &c
	r.UpdatedAt = s.clock()
	r.WebHookStatus = requeue(r.WebHookStatus)
	if err := s.store.UpdateResult(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) GetResult(ctx context.Context, id int64) (*Result, error) {
	return s.store.GetResult(ctx, id)
}

func (s *Service) ListResults(ctx context.Context, specimenAccessionID string) ([]*Result, error) {
	sp, err := s.store.GetSpecimenByAccession(ctx, specimenAccessionID)
	if err != nil {
		return nil, err
	}
	return s.store.ListResults(ctx, sp.ID)
}
