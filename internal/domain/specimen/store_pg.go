package specimen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labtrack/labtrack/internal/platform/apperr"
	"github.com/labtrack/labtrack/internal/platform/db"
	"github.com/labtrack/labtrack/internal/platform/webhook"
	"github.com/labtrack/labtrack/pkg/pagination"
)

// PGStore is the PostgreSQL Store. Writes that may hit a unique constraint
// run in a savepoint so a caller's transaction survives the violation.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, s.pool)
}

func (s *PGStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, s.pool, fn)
}

func scanErr(err error, entity string, key interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(entity, key)
	}
	return err
}

const groupCols = `id, accession_id, external_id, title, participant_count, is_control, is_active,
	viral_webhook_enabled, antibody_webhook_enabled, external_processing_webhook_enabled,
	created_at, updated_at`

func groupDest(g *ParticipantGroup) []interface{} {
	return []interface{}{&g.ID, &g.AccessionID, &g.ExternalID, &g.Title, &g.ParticipantCount,
		&g.IsControl, &g.IsActive, &g.ViralWebHookEnabled, &g.AntibodyWebHookEnabled,
		&g.ExternalProcessingWebHookEnabled, &g.CreatedAt, &g.UpdatedAt}
}

const tubeCols = `id, accession_id, status, tube_type, participant_group_id, specimen_id,
	collected_at, returned_at, checked_in_at, checked_in_by, rejection_reason,
	external_processing_at, webhook_status, last_webhook_success_at, last_webhook_message,
	created_at, updated_at`

func tubeDest(t *Tube) []interface{} {
	return []interface{}{&t.ID, &t.AccessionID, &t.Status, &t.TubeType, &t.ParticipantGroupID,
		&t.SpecimenID, &t.CollectedAt, &t.ReturnedAt, &t.CheckedInAt, &t.CheckedInBy,
		&t.RejectionReason, &t.ExternalProcessingAt, &t.WebHookStatus, &t.LastWebHookSuccessAt,
		&t.LastWebHookMessage, &t.CreatedAt, &t.UpdatedAt}
}

const specimenCols = `id, COALESCE(accession_id, ''), participant_group_id, tube_id, specimen_type,
	collected_at, status, created_at, updated_at`

func specimenDest(sp *Specimen) []interface{} {
	return []interface{}{&sp.ID, &sp.AccessionID, &sp.ParticipantGroupID, &sp.TubeID, &sp.Type,
		&sp.CollectedAt, &sp.Status, &sp.CreatedAt, &sp.UpdatedAt}
}

const plateCols = `id, barcode, storage_location, created_at`

func plateDest(p *WellPlate) []interface{} {
	return []interface{}{&p.ID, &p.Barcode, &p.StorageLocation, &p.CreatedAt}
}

const wellCols = `id, well_plate_id, specimen_id, position, normalized_position, well_identifier, created_at`

func wellDest(w *SpecimenWell) []interface{} {
	return []interface{}{&w.ID, &w.WellPlateID, &w.SpecimenID, &w.Position, &w.NormalizedPosition,
		&w.WellIdentifier, &w.CreatedAt}
}

const resultCols = `id, kind, specimen_id, well_id, conclusion, ct_value, signal, webhook_status,
	last_webhook_success_at, last_webhook_message, created_at, updated_at`

// resultRow flattens the payload columns of a result.
type resultRow struct {
	Result
	ctValue *float64
	signal  *string
}

func (r *resultRow) dest() []interface{} {
	return []interface{}{&r.ID, &r.Kind, &r.SpecimenID, &r.WellID, &r.Conclusion, &r.ctValue,
		&r.signal, &r.WebHookStatus, &r.LastWebHookSuccessAt, &r.LastWebHookMessage,
		&r.CreatedAt, &r.UpdatedAt}
}

func (r *resultRow) finish() *Result {
	out := r.Result
	switch out.Kind {
	case ResultViral:
		out.Viral = &ViralPayload{CtValue: r.ctValue}
	case ResultAntibody:
		out.Antibody = &AntibodyPayload{Signal: r.signal}
	}
	return &out
}

func payloadArgs(r *Result) (*float64, *string) {
	var ct *float64
	var signal *string
	if r.Viral != nil {
		ct = r.Viral.CtValue
	}
	if r.Antibody != nil {
		signal = r.Antibody.Signal
	}
	return ct, signal
}

// uniqueInsert runs a write in a savepoint and maps the named unique
// violation to target.
func uniqueInsert(ctx context.Context, constraint string, target error, what string, fn func(ctx context.Context) error) error {
	err := db.Savepoint(ctx, fn)
	if db.IsUniqueViolation(err, constraint) {
		return fmt.Errorf("%w: %s", target, what)
	}
	return err
}

// Groups

func (s *PGStore) CreateGroup(ctx context.Context, g *ParticipantGroup) error {
	return uniqueInsert(ctx, "participant_group_accession_key", apperr.ErrDuplicate, "group accession "+g.AccessionID,
		func(ctx context.Context) error {
			return s.conn(ctx).QueryRow(ctx, `
				INSERT INTO participant_group (accession_id, external_id, title, participant_count,
					is_control, is_active, viral_webhook_enabled, antibody_webhook_enabled,
					external_processing_webhook_enabled, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
				RETURNING id`,
				g.AccessionID, g.ExternalID, g.Title, g.ParticipantCount, g.IsControl, g.IsActive,
				g.ViralWebHookEnabled, g.AntibodyWebHookEnabled, g.ExternalProcessingWebHookEnabled,
				g.CreatedAt, g.UpdatedAt).Scan(&g.ID)
		})
}

func (s *PGStore) GetGroup(ctx context.Context, id int64) (*ParticipantGroup, error) {
	var g ParticipantGroup
	err := s.conn(ctx).QueryRow(ctx, `SELECT `+groupCols+` FROM participant_group WHERE id = $1`, id).Scan(groupDest(&g)...)
	if err != nil {
		return nil, scanErr(err, "group", id)
	}
	return &g, nil
}

func (s *PGStore) GetGroupByAccession(ctx context.Context, accessionID string) (*ParticipantGroup, error) {
	var g ParticipantGroup
	err := s.conn(ctx).QueryRow(ctx, `SELECT `+groupCols+` FROM participant_group WHERE accession_id = $1`, accessionID).Scan(groupDest(&g)...)
	if err != nil {
		return nil, scanErr(err, "group", accessionID)
	}
	return &g, nil
}

func (s *PGStore) UpdateGroup(ctx context.Context, g *ParticipantGroup) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE participant_group SET external_id=$2, title=$3, participant_count=$4, is_control=$5,
			is_active=$6, viral_webhook_enabled=$7, antibody_webhook_enabled=$8,
			external_processing_webhook_enabled=$9, updated_at=$10
		WHERE id = $1`,
		g.ID, g.ExternalID, g.Title, g.ParticipantCount, g.IsControl, g.IsActive,
		g.ViralWebHookEnabled, g.AntibodyWebHookEnabled, g.ExternalProcessingWebHookEnabled, g.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("group", g.ID)
	}
	return nil
}

func (s *PGStore) ListGroups(ctx context.Context, p pagination.Params) ([]*ParticipantGroup, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM participant_group`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+groupCols+` FROM participant_group ORDER BY id `+p.SQL())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*ParticipantGroup
	for rows.Next() {
		var g ParticipantGroup
		if err := rows.Scan(groupDest(&g)...); err != nil {
			return nil, 0, err
		}
		out = append(out, &g)
	}
	return out, total, rows.Err()
}

func (s *PGStore) exists(ctx context.Context, table, accessionID string) (bool, error) {
	var found bool
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE accession_id = $1)`, accessionID).Scan(&found)
	return found, err
}

func (s *PGStore) GroupAccessionExists(ctx context.Context, accessionID string) (bool, error) {
	return s.exists(ctx, "participant_group", accessionID)
}

// Tubes

func (s *PGStore) CreateTube(ctx context.Context, t *Tube) error {
	return uniqueInsert(ctx, "tube_accession_key", apperr.ErrDuplicate, "tube accession "+t.AccessionID,
		func(ctx context.Context) error {
			return s.conn(ctx).QueryRow(ctx, `
				INSERT INTO tube (accession_id, status, tube_type, participant_group_id, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6)
				RETURNING id`,
				t.AccessionID, t.Status, t.TubeType, t.ParticipantGroupID, t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
		})
}

func (s *PGStore) GetTube(ctx context.Context, id int64) (*Tube, error) {
	var t Tube
	err := s.conn(ctx).QueryRow(ctx, `SELECT `+tubeCols+` FROM tube WHERE id = $1`, id).Scan(tubeDest(&t)...)
	if err != nil {
		return nil, scanErr(err, "tube", id)
	}
	return &t, nil
}

func (s *PGStore) GetTubeByAccession(ctx context.Context, accessionID string) (*Tube, error) {
	var t Tube
	err := s.conn(ctx).QueryRow(ctx, `SELECT `+tubeCols+` FROM tube WHERE accession_id = $1`, accessionID).Scan(tubeDest(&t)...)
	if err != nil {
		return nil, scanErr(err, "tube", accessionID)
	}
	return &t, nil
}

func (s *PGStore) UpdateTube(ctx context.Context, t *Tube) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE tube SET status=$2, tube_type=$3, participant_group_id=$4, specimen_id=$5,
			collected_at=$6, returned_at=$7, checked_in_at=$8, checked_in_by=$9,
			rejection_reason=$10, external_processing_at=$11, webhook_status=$12,
			last_webhook_success_at=$13, last_webhook_message=$14, updated_at=$15
		WHERE id = $1`,
		t.ID, t.Status, t.TubeType, t.ParticipantGroupID, t.SpecimenID, t.CollectedAt, t.ReturnedAt,
		t.CheckedInAt, t.CheckedInBy, t.RejectionReason, t.ExternalProcessingAt, t.WebHookStatus,
		t.LastWebHookSuccessAt, t.LastWebHookMessage, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("tube", t.ID)
	}
	return nil
}

func (s *PGStore) TubeAccessionExists(ctx context.Context, accessionID string) (bool, error) {
	return s.exists(ctx, "tube", accessionID)
}

// Specimens

func (s *PGStore) CreateSpecimen(ctx context.Context, sp *Specimen) error {
	return uniqueInsert(ctx, "specimen_tube_key", apperr.ErrDuplicate, fmt.Sprintf("tube %d already has a specimen", sp.TubeID),
		func(ctx context.Context) error {
			return s.conn(ctx).QueryRow(ctx, `
				INSERT INTO specimen (participant_group_id, tube_id, specimen_type, collected_at, status, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
				RETURNING id`,
				sp.ParticipantGroupID, sp.TubeID, sp.Type, sp.CollectedAt, sp.Status, sp.CreatedAt, sp.UpdatedAt).Scan(&sp.ID)
		})
}

func (s *PGStore) SetSpecimenAccession(ctx context.Context, id int64, accessionID string) error {
	var tag int64
	err := uniqueInsert(ctx, "specimen_accession_key", apperr.ErrDuplicate, "specimen accession "+accessionID,
		func(ctx context.Context) error {
			ct, err := s.conn(ctx).Exec(ctx,
				`UPDATE specimen SET accession_id = $2 WHERE id = $1 AND accession_id IS NULL`, id, accessionID)
			tag = ct.RowsAffected()
			return err
		})
	if err != nil {
		return err
	}
	if tag == 0 {
		if _, err := s.GetSpecimen(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: specimen %d already has an accession id", apperr.ErrPrecondition, id)
	}
	return nil
}

func (s *PGStore) GetSpecimen(ctx context.Context, id int64) (*Specimen, error) {
	var sp Specimen
	err := s.conn(ctx).QueryRow(ctx, `SELECT `+specimenCols+` FROM specimen WHERE id = $1`, id).Scan(specimenDest(&sp)...)
	if err != nil {
		return nil, scanErr(err, "specimen", id)
	}
	return &sp, nil
}

func (s *PGStore) GetSpecimenByAccession(ctx context.Context, accessionID string) (*Specimen, error) {
	var sp Specimen
	err := s.conn(ctx).QueryRow(ctx, `SELECT `+specimenCols+` FROM specimen WHERE accession_id = $1`, accessionID).Scan(specimenDest(&sp)...)
	if err != nil {
		return nil, scanErr(err, "specimen", accessionID)
	}
	return &sp, nil
}

func (s *PGStore) UpdateSpecimenStatus(ctx context.Context, id int64, status SpecimenStatus, at time.Time) error {
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE specimen SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("specimen", id)
	}
	return nil
}

func (s *PGStore) SpecimenAccessionExists(ctx context.Context, accessionID string) (bool, error) {
	return s.exists(ctx, "specimen", accessionID)
}

// Plates and wells

func (s *PGStore) CreatePlate(ctx context.Context, p *WellPlate) error {
	return uniqueInsert(ctx, "well_plate_barcode_key", apperr.ErrDuplicate, "plate barcode "+p.Barcode,
		func(ctx context.Context) error {
			return s.conn(ctx).QueryRow(ctx, `
				INSERT INTO well_plate (barcode, storage_location, created_at)
				VALUES ($1,$2,$3)
				RETURNING id`,
				p.Barcode, p.StorageLocation, p.CreatedAt).Scan(&p.ID)
		})
}

func (s *PGStore) GetPlate(ctx context.Context, id int64) (*WellPlate, error) {
	var p WellPlate
	err := s.conn(ctx).QueryRow(ctx, `SELECT `+plateCols+` FROM well_plate WHERE id = $1`, id).Scan(plateDest(&p)...)
	if err != nil {
		return nil, scanErr(err, "plate", id)
	}
	return &p, nil
}

func (s *PGStore) GetPlateByBarcode(ctx context.Context, barcode string) (*WellPlate, error) {
	var p WellPlate
	err := s.conn(ctx).QueryRow(ctx, `SELECT `+plateCols+` FROM well_plate WHERE barcode = $1`, barcode).Scan(plateDest(&p)...)
	if err != nil {
		return nil, scanErr(err, "plate", barcode)
	}
	return &p, nil
}

func positionTakenErr(w *SpecimenWell) string {
	if w.NormalizedPosition == nil {
		return fmt.Sprintf("plate %d", w.WellPlateID)
	}
	return fmt.Sprintf("%s on plate %d", *w.NormalizedPosition, w.WellPlateID)
}

func (s *PGStore) CreateWell(ctx context.Context, w *SpecimenWell) error {
	return uniqueInsert(ctx, "specimen_well_plate_position_key", apperr.ErrPositionTaken, positionTakenErr(w),
		func(ctx context.Context) error {
			return s.conn(ctx).QueryRow(ctx, `
				INSERT INTO specimen_well (well_plate_id, specimen_id, position, normalized_position, well_identifier, created_at)
				VALUES ($1,$2,$3,$4,$5,$6)
				RETURNING id`,
				w.WellPlateID, w.SpecimenID, w.Position, w.NormalizedPosition, w.WellIdentifier, w.CreatedAt).Scan(&w.ID)
		})
}

func (s *PGStore) GetWell(ctx context.Context, id int64) (*SpecimenWell, error) {
	var w SpecimenWell
	err := s.conn(ctx).QueryRow(ctx, `SELECT `+wellCols+` FROM specimen_well WHERE id = $1`, id).Scan(wellDest(&w)...)
	if err != nil {
		return nil, scanErr(err, "well", id)
	}
	return &w, nil
}

func (s *PGStore) UpdateWell(ctx context.Context, w *SpecimenWell) error {
	var affected int64
	err := uniqueInsert(ctx, "specimen_well_plate_position_key", apperr.ErrPositionTaken, positionTakenErr(w),
		func(ctx context.Context) error {
			tag, err := s.conn(ctx).Exec(ctx, `
				UPDATE specimen_well SET well_plate_id=$2, position=$3, normalized_position=$4, well_identifier=$5
				WHERE id = $1`,
				w.ID, w.WellPlateID, w.Position, w.NormalizedPosition, w.WellIdentifier)
			affected = tag.RowsAffected()
			return err
		})
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound("well", w.ID)
	}
	return nil
}

func (s *PGStore) ListWells(ctx context.Context, plateID int64) ([]*SpecimenWell, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+wellCols+` FROM specimen_well WHERE well_plate_id = $1 ORDER BY id`, plateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SpecimenWell
	for rows.Next() {
		var w SpecimenWell
		if err := rows.Scan(wellDest(&w)...); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *PGStore) PositionTaken(ctx context.Context, plateID int64, normalized string, excludeWellID int64) (bool, error) {
	var taken bool
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM specimen_well
			WHERE well_plate_id = $1 AND normalized_position = $2 AND id <> $3)`,
		plateID, normalized, excludeWellID).Scan(&taken)
	return taken, err
}

// Results

func (s *PGStore) CreateResult(ctx context.Context, r *Result) error {
	ct, signal := payloadArgs(r)
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO specimen_result (kind, specimen_id, well_id, conclusion, ct_value, signal,
			webhook_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`,
		r.Kind, r.SpecimenID, r.WellID, r.Conclusion, ct, signal, r.WebHookStatus,
		r.CreatedAt, r.UpdatedAt).Scan(&r.ID)
}

func (s *PGStore) GetResult(ctx context.Context, id int64) (*Result, error) {
	var row resultRow
	err := s.conn(ctx).QueryRow(ctx, `SELECT `+resultCols+` FROM specimen_result WHERE id = $1`, id).Scan(row.dest()...)
	if err != nil {
		return nil, scanErr(err, "result", id)
	}
	return row.finish(), nil
}

func (s *PGStore) UpdateResult(ctx context.Context, r *Result) error {
	ct, signal := payloadArgs(r)
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE specimen_result SET well_id=$2, conclusion=$3, ct_value=$4, signal=$5,
			webhook_status=$6, last_webhook_success_at=$7, last_webhook_message=$8, updated_at=$9
		WHERE id = $1`,
		r.ID, r.WellID, r.Conclusion, ct, signal, r.WebHookStatus, r.LastWebHookSuccessAt,
		r.LastWebHookMessage, r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("result", r.ID)
	}
	return nil
}

func (s *PGStore) ListResults(ctx context.Context, specimenID int64) ([]*Result, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+resultCols+` FROM specimen_result WHERE specimen_id = $1 ORDER BY id`, specimenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Result
	for rows.Next() {
		var row resultRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, err
		}
		out = append(out, row.finish())
	}
	return out, rows.Err()
}

// Webhook selection and outcomes

// dueStale selects records whose last delivery did not succeed or predates
// their latest change. %[1]s is the table alias, %[2]s the change timestamp.
const dueStale = `%[1]s.webhook_status IS NOT NULL AND (%[1]s.webhook_status <> 'SUCCESS'
	OR %[1]s.last_webhook_success_at IS NULL OR %[2]s > %[1]s.last_webhook_success_at)`

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *PGStore) DueResults(ctx context.Context, kind ResultKind) ([]*ResultDelivery, error) {
	flag := "g.viral_webhook_enabled"
	if kind == ResultAntibody {
		flag = "g.antibody_webhook_enabled"
	}
	query := `SELECT ` + prefixed("r", resultCols) + `,
			s.id, COALESCE(s.accession_id, ''), s.participant_group_id, s.tube_id, s.specimen_type,
			s.collected_at, s.status, s.created_at, s.updated_at,
			` + prefixed("t", tubeCols) + `,
			` + prefixed("g", groupCols) + `,
			w.id, w.well_plate_id, w.position, w.normalized_position, w.well_identifier, w.created_at,
			p.id, p.barcode, p.storage_location, p.created_at
		FROM specimen_result r
		JOIN specimen s ON s.id = r.specimen_id
		JOIN tube t ON t.id = s.tube_id
		JOIN participant_group g ON g.id = s.participant_group_id
		LEFT JOIN specimen_well w ON w.id = r.well_id
		LEFT JOIN well_plate p ON p.id = w.well_plate_id
		WHERE r.kind = $1 AND r.conclusion IS NOT NULL
			AND g.is_active AND NOT g.is_control AND ` + flag + `
			AND ` + fmt.Sprintf(dueStale, "r", "r.updated_at") + `
		ORDER BY r.id`

	rows, err := s.conn(ctx).Query(ctx, query, kind)
	if err != nil {
		return nil, fmt.Errorf("select due %s results: %w", kind, err)
	}
	defer rows.Close()

	var out []*ResultDelivery
	for rows.Next() {
		var (
			rr    resultRow
			rd    ResultDelivery
			wID   *int64
			wPID  *int64
			wPos  *string
			wNorm *string
			wExt  *string
			wAt   *time.Time
			pID   *int64
			pBar  *string
			pLoc  *string
			pAt   *time.Time
		)
		dest := append(rr.dest(), specimenDest(&rd.Specimen)...)
		dest = append(dest, tubeDest(&rd.Tube)...)
		dest = append(dest, groupDest(&rd.Group)...)
		dest = append(dest, &wID, &wPID, &wPos, &wNorm, &wExt, &wAt, &pID, &pBar, &pLoc, &pAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		rd.Result = *rr.finish()
		if wID != nil {
			rd.Well = &SpecimenWell{ID: *wID, WellPlateID: *wPID, SpecimenID: rd.Specimen.ID,
				Position: wPos, NormalizedPosition: wNorm, WellIdentifier: wExt, CreatedAt: *wAt}
		}
		if pID != nil {
			rd.Plate = &WellPlate{ID: *pID, Barcode: *pBar, StorageLocation: pLoc, CreatedAt: *pAt}
		}
		out = append(out, &rd)
	}
	return out, rows.Err()
}

func (s *PGStore) DueTubes(ctx context.Context) ([]*TubeDelivery, error) {
	query := `SELECT ` + prefixed("t", tubeCols) + `,
			` + prefixed("g", groupCols) + `
		FROM tube t
		JOIN participant_group g ON g.id = t.participant_group_id
		WHERE t.status = 'EXTERNAL_PROCESSING' AND t.external_processing_at IS NOT NULL
			AND g.is_active AND g.external_processing_webhook_enabled
			AND ` + fmt.Sprintf(dueStale, "t", "t.external_processing_at") + `
		ORDER BY t.id`

	rows, err := s.conn(ctx).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select due tubes: %w", err)
	}
	var out []*TubeDelivery
	for rows.Next() {
		var td TubeDelivery
		dest := append(tubeDest(&td.Tube), groupDest(&td.Group)...)
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, &td)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, td := range out {
		if td.Tube.SpecimenID == nil {
			continue
		}
		sp, err := s.GetSpecimen(ctx, *td.Tube.SpecimenID)
		if err != nil {
			return nil, err
		}
		td.Specimen = sp
	}
	return out, nil
}

// applyOutcomes writes the message unconditionally and the status only while
// versionCol still holds the outcome's snapshot.
func (s *PGStore) applyOutcomes(ctx context.Context, table, versionCol, extraCond string, extraArg interface{}, outcomes []webhook.Outcome) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		for _, o := range outcomes {
			var snapshot *time.Time
			if !o.Snapshot.IsZero() {
				at := o.Snapshot
				snapshot = &at
			}
			args := []interface{}{o.RecordID, o.Status, o.Message, o.At, snapshot}
			cond := ""
			if extraCond != "" {
				cond = " AND " + extraCond
				args = append(args, extraArg)
			}
			current := `($5::timestamptz IS NULL OR ` + versionCol + ` = $5::timestamptz)`
			tag, err := s.conn(ctx).Exec(ctx, `
				UPDATE `+table+` SET last_webhook_message = $3,
					webhook_status = CASE WHEN `+current+` THEN $2 ELSE webhook_status END,
					last_webhook_success_at = CASE WHEN `+current+` AND $2 = 'SUCCESS' THEN $4 ELSE last_webhook_success_at END
				WHERE id = $1`+cond, args...)
			if err != nil {
				return fmt.Errorf("apply outcome to %s %d: %w", table, o.RecordID, err)
			}
			if tag.RowsAffected() == 0 {
				return notFound(table, o.RecordID)
			}
		}
		return nil
	})
}

func (s *PGStore) ApplyResultOutcomes(ctx context.Context, kind ResultKind, outcomes []webhook.Outcome) error {
	return s.applyOutcomes(ctx, "specimen_result", "updated_at", "kind = $6", kind, outcomes)
}

func (s *PGStore) ApplyTubeOutcomes(ctx context.Context, outcomes []webhook.Outcome) error {
	return s.applyOutcomes(ctx, "tube", "external_processing_at", "", nil, outcomes)
}
