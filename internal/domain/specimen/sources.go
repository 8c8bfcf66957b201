package specimen

import (
	"context"

	"github.com/labtrack/labtrack/internal/platform/webhook"
)

// ResultSource publishes the due results of one kind.
type ResultSource struct {
	store Store
	kind  ResultKind
}

func NewResultSource(store Store, kind ResultKind) *ResultSource {
	return &ResultSource{store: store, kind: kind}
}

func (s *ResultSource) Kind() webhook.Kind { return s.kind.WebhookKind() }

func (s *ResultSource) Due(ctx context.Context) ([]webhook.Record, error) {
	due, err := s.store.DueResults(ctx, s.kind)
	if err != nil {
		return nil, err
	}
	records := make([]webhook.Record, 0, len(due))
	for _, d := range due {
		records = append(records, resultRecord(d))
	}
	return records, nil
}

func (s *ResultSource) Apply(ctx context.Context, outcomes []webhook.Outcome) error {
	return s.store.ApplyResultOutcomes(ctx, s.kind, outcomes)
}

func groupFields(f map[string]interface{}, g *ParticipantGroup) {
	f["group_accession_id"] = g.AccessionID
	f["group_title"] = g.Title
	if g.ExternalID != nil {
		f["group_external_id"] = *g.ExternalID
	} else {
		f["group_external_id"] = nil
	}
}

func resultRecord(d *ResultDelivery) webhook.Record {
	r := &d.Result
	f := map[string]interface{}{
		"kind":                  string(r.Kind),
		"conclusion":            string(*r.Conclusion),
		"specimen_accession_id": d.Specimen.AccessionID,
		"tube_accession_id":     d.Tube.AccessionID,
		"specimen_type":         string(d.Specimen.Type),
		"collected_at":          webhook.FormatTime(d.Specimen.CollectedAt),
		"created_at":            webhook.FormatTime(r.CreatedAt),
		"updated_at":            webhook.FormatTime(r.UpdatedAt),
	}
	groupFields(f, &d.Group)
	if r.Viral != nil && r.Viral.CtValue != nil {
		f["ct_value"] = *r.Viral.CtValue
	}
	if r.Antibody != nil && r.Antibody.Signal != nil {
		f["signal"] = *r.Antibody.Signal
	}
	if d.Plate != nil {
		f["plate_barcode"] = d.Plate.Barcode
	}
	if d.Well != nil && d.Well.NormalizedPosition != nil {
		f["well_position"] = *d.Well.NormalizedPosition
	}
	return webhook.Record{ID: r.ID, UpdatedAt: r.UpdatedAt, Fields: f}
}

// TubeSource publishes tubes sent for external processing.
type TubeSource struct{ store Store }

func NewTubeSource(store Store) *TubeSource { return &TubeSource{store: store} }

func (s *TubeSource) Kind() webhook.Kind { return webhook.KindTubeExternalProcessing }

func (s *TubeSource) Due(ctx context.Context) ([]webhook.Record, error) {
	due, err := s.store.DueTubes(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]webhook.Record, 0, len(due))
	for _, d := range due {
		t := &d.Tube
		f := map[string]interface{}{
			"tube_accession_id":      t.AccessionID,
			"external_processing_at": webhook.FormatTime(*t.ExternalProcessingAt),
		}
		groupFields(f, &d.Group)
		if t.TubeType != nil {
			f["tube_type"] = string(*t.TubeType)
		}
		if t.CollectedAt != nil {
			f["collected_at"] = webhook.FormatTime(*t.CollectedAt)
		}
		if d.Specimen != nil {
			f["specimen_accession_id"] = d.Specimen.AccessionID
		}
		records = append(records, webhook.Record{ID: t.ID, UpdatedAt: *t.ExternalProcessingAt, Fields: f})
	}
	return records, nil
}

func (s *TubeSource) Apply(ctx context.Context, outcomes []webhook.Outcome) error {
	return s.store.ApplyTubeOutcomes(ctx, outcomes)
}

// Sources returns a source for every publishable record kind.
func Sources(store Store) []webhook.Source {
	return []webhook.Source{
		NewResultSource(store, ResultViral),
		NewResultSource(store, ResultAntibody),
		NewTubeSource(store),
	}
}
