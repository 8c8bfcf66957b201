package specimen

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/labtrack/labtrack/internal/platform/apperr"
	"github.com/labtrack/labtrack/internal/platform/webhook"
	"github.com/labtrack/labtrack/pkg/pagination"
)

type memoryTxKey struct{}

type memoryData struct {
	groups    map[int64]ParticipantGroup
	tubes     map[int64]Tube
	specimens map[int64]Specimen
	plates    map[int64]WellPlate
	wells     map[int64]SpecimenWell
	results   map[int64]Result
	nextID    int64
}

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		groups:    make(map[int64]ParticipantGroup, len(d.groups)),
		tubes:     make(map[int64]Tube, len(d.tubes)),
		specimens: make(map[int64]Specimen, len(d.specimens)),
		plates:    make(map[int64]WellPlate, len(d.plates)),
		wells:     make(map[int64]SpecimenWell, len(d.wells)),
		results:   make(map[int64]Result, len(d.results)),
		nextID:    d.nextID,
	}
	for k, v := range d.groups {
		c.groups[k] = v
	}
	for k, v := range d.tubes {
		c.tubes[k] = v
	}
	for k, v := range d.specimens {
		c.specimens[k] = v
	}
	for k, v := range d.plates {
		c.plates[k] = v
	}
	for k, v := range d.wells {
		c.wells[k] = v
	}
	for k, v := range d.results {
		c.results[k] = v
	}
	return c
}

// MemoryStore is a thread-safe in-process Store. Writes and transactions
// are serialised; a failed transaction restores the state it started from.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *memoryData
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: (&memoryData{}).clone()}
}

func (s *MemoryStore) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(memoryTxKey{}).(*MemoryStore)
	return owner == s
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, memoryTxKey{}, s)); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// write runs fn with exclusive access to the data.
func (s *MemoryStore) write(ctx context.Context, fn func(d *memoryData) error) error {
	if !s.inTx(ctx) {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

func (s *MemoryStore) read(fn func(d *memoryData) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

func (d *memoryData) id() int64 {
	d.nextID++
	return d.nextID
}

func notFound(entity string, key interface{}) error {
	return fmt.Errorf("%w: %s %v", apperr.ErrNotFound, entity, key)
}

// Groups

func (s *MemoryStore) CreateGroup(ctx context.Context, g *ParticipantGroup) error {
	return s.write(ctx, func(d *memoryData) error {
		for _, other := range d.groups {
			if other.AccessionID == g.AccessionID {
				return fmt.Errorf("%w: group accession %s", apperr.ErrDuplicate, g.AccessionID)
			}
		}
		g.ID = d.id()
		d.groups[g.ID] = *g
		return nil
	})
}

func (s *MemoryStore) GetGroup(_ context.Context, id int64) (*ParticipantGroup, error) {
	var out *ParticipantGroup
	err := s.read(func(d *memoryData) error {
		g, ok := d.groups[id]
		if !ok {
			return notFound("group", id)
		}
		out = &g
		return nil
	})
	return out, err
}

func (s *MemoryStore) GetGroupByAccession(_ context.Context, accessionID string) (*ParticipantGroup, error) {
	var out *ParticipantGroup
	err := s.read(func(d *memoryData) error {
		for _, g := range d.groups {
			if g.AccessionID == accessionID {
				g := g
				out = &g
				return nil
			}
		}
		return notFound("group", accessionID)
	})
	return out, err
}

func (s *MemoryStore) UpdateGroup(ctx context.Context, g *ParticipantGroup) error {
	return s.write(ctx, func(d *memoryData) error {
		if _, ok := d.groups[g.ID]; !ok {
			return notFound("group", g.ID)
		}
		d.groups[g.ID] = *g
		return nil
	})
}

func (s *MemoryStore) ListGroups(_ context.Context, p pagination.Params) ([]*ParticipantGroup, int, error) {
	var all []*ParticipantGroup
	_ = s.read(func(d *memoryData) error {
		for _, g := range d.groups {
			g := g
			all = append(all, &g)
		}
		return nil
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	start, end := p.Window(len(all))
	return all[start:end], len(all), nil
}

func (s *MemoryStore) GroupAccessionExists(ctx context.Context, accessionID string) (bool, error) {
	_, err := s.GetGroupByAccession(ctx, accessionID)
	return err == nil, nil
}

// Tubes

func (s *MemoryStore) CreateTube(ctx context.Context, t *Tube) error {
	return s.write(ctx, func(d *memoryData) error {
		for _, other := range d.tubes {
			if other.AccessionID == t.AccessionID {
				return fmt.Errorf("%w: tube accession %s", apperr.ErrDuplicate, t.AccessionID)
			}
		}
		t.ID = d.id()
		d.tubes[t.ID] = *t
		return nil
	})
}

func (s *MemoryStore) GetTube(_ context.Context, id int64) (*Tube, error) {
	var out *Tube
	err := s.read(func(d *memoryData) error {
		t, ok := d.tubes[id]
		if !ok {
			return notFound("tube", id)
		}
		out = &t
		return nil
	})
	return out, err
}

func (s *MemoryStore) GetTubeByAccession(_ context.Context, accessionID string) (*Tube, error) {
	var out *Tube
	err := s.read(func(d *memoryData) error {
		for _, t := range d.tubes {
			if t.AccessionID == accessionID {
				t := t
				out = &t
				return nil
			}
		}
		return notFound("tube", accessionID)
	})
	return out, err
}

func (s *MemoryStore) UpdateTube(ctx context.Context, t *Tube) error {
	return s.write(ctx, func(d *memoryData) error {
		if _, ok := d.tubes[t.ID]; !ok {
			return notFound("tube", t.ID)
		}
		d.tubes[t.ID] = *t
		return nil
	})
}

func (s *MemoryStore) TubeAccessionExists(ctx context.Context, accessionID string) (bool, error) {
	_, err := s.GetTubeByAccession(ctx, accessionID)
	return err == nil, nil
}

// Specimens

func (s *MemoryStore) CreateSpecimen(ctx context.Context, sp *Specimen) error {
	return s.write(ctx, func(d *memoryData) error {
		for _, other := range d.specimens {
			if other.TubeID == sp.TubeID {
				return fmt.Errorf("%w: tube %d already has a specimen", apperr.ErrDuplicate, sp.TubeID)
			}
		}
		sp.ID = d.id()
		d.specimens[sp.ID] = *sp
		return nil
	})
}

func (s *MemoryStore) SetSpecimenAccession(ctx context.Context, id int64, accessionID string) error {
	return s.write(ctx, func(d *memoryData) error {
		sp, ok := d.specimens[id]
		if !ok {
			return notFound("specimen", id)
		}
		if sp.AccessionID != "" {
			return fmt.Errorf("%w: specimen %d already has accession %s", apperr.ErrPrecondition, id, sp.AccessionID)
		}
		for _, other := range d.specimens {
			if other.AccessionID == accessionID {
				return fmt.Errorf("%w: specimen accession %s", apperr.ErrDuplicate, accessionID)
			}
		}
		sp.AccessionID = accessionID
		d.specimens[id] = sp
		return nil
	})
}

func (s *MemoryStore) GetSpecimen(_ context.Context, id int64) (*Specimen, error) {
	var out *Specimen
	err := s.read(func(d *memoryData) error {
		sp, ok := d.specimens[id]
		if !ok {
			return notFound("specimen", id)
		}
		out = &sp
		return nil
	})
	return out, err
}

func (s *MemoryStore) GetSpecimenByAccession(_ context.Context, accessionID string) (*Specimen, error) {
	var out *Specimen
	err := s.read(func(d *memoryData) error {
		for _, sp := range d.specimens {
			if sp.AccessionID == accessionID {
				sp := sp
				out = &sp
				return nil
			}
		}
		return notFound("specimen", accessionID)
	})
	return out, err
}

func (s *MemoryStore) UpdateSpecimenStatus(ctx context.Context, id int64, status SpecimenStatus, at time.Time) error {
	return s.write(ctx, func(d *memoryData) error {
		sp, ok := d.specimens[id]
		if !ok {
			return notFound("specimen", id)
		}
		sp.Status = status
		sp.UpdatedAt = at
		d.specimens[id] = sp
		return nil
	})
}

func (s *MemoryStore) SpecimenAccessionExists(ctx context.Context, accessionID string) (bool, error) {
	_, err := s.GetSpecimenByAccession(ctx, accessionID)
	return err == nil, nil
}

// Plates and wells

func (s *MemoryStore) CreatePlate(ctx context.Context, p *WellPlate) error {
	return s.write(ctx, func(d *memoryData) error {
		for _, other := range d.plates {
			if other.Barcode == p.Barcode {
				return fmt.Errorf("%w: plate barcode %s", apperr.ErrDuplicate, p.Barcode)
			}
		}
		p.ID = d.id()
		d.plates[p.ID] = *p
		return nil
	})
}

func (s *MemoryStore) GetPlate(_ context.Context, id int64) (*WellPlate, error) {
	var out *WellPlate
	err := s.read(func(d *memoryData) error {
		p, ok := d.plates[id]
		if !ok {
			return notFound("plate", id)
		}
		out = &p
		return nil
	})
	return out, err
}

func (s *MemoryStore) GetPlateByBarcode(_ context.Context, barcode string) (*WellPlate, error) {
	var out *WellPlate
	err := s.read(func(d *memoryData) error {
		for _, p := range d.plates {
			if p.Barcode == barcode {
				p := p
				out = &p
				return nil
			}
		}
		return notFound("plate", barcode)
	})
	return out, err
}

func (d *memoryData) positionTaken(plateID int64, normalized *string, exclude int64) bool {
	if normalized == nil {
		return false
	}
	for _, w := range d.wells {
		if w.ID != exclude && w.WellPlateID == plateID && w.NormalizedPosition != nil && *w.NormalizedPosition == *normalized {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateWell(ctx context.Context, w *SpecimenWell) error {
	return s.write(ctx, func(d *memoryData) error {
		if d.positionTaken(w.WellPlateID, w.NormalizedPosition, 0) {
			return fmt.Errorf("%w: %s on plate %d", apperr.ErrPositionTaken, *w.NormalizedPosition, w.WellPlateID)
		}
		w.ID = d.id()
		d.wells[w.ID] = *w
		return nil
	})
}

func (s *MemoryStore) GetWell(_ context.Context, id int64) (*SpecimenWell, error) {
	var out *SpecimenWell
	err := s.read(func(d *memoryData) error {
		w, ok := d.wells[id]
		if !ok {
			return notFound("well", id)
		}
		out = &w
		return nil
	})
	return out, err
}

func (s *MemoryStore) UpdateWell(ctx context.Context, w *SpecimenWell) error {
	return s.write(ctx, func(d *memoryData) error {
		if _, ok := d.wells[w.ID]; !ok {
			return notFound("well", w.ID)
		}
		if d.positionTaken(w.WellPlateID, w.NormalizedPosition, w.ID) {
			return fmt.Errorf("%w: %s on plate %d", apperr.ErrPositionTaken, *w.NormalizedPosition, w.WellPlateID)
		}
		d.wells[w.ID] = *w
		return nil
	})
}

func (s *MemoryStore) ListWells(_ context.Context, plateID int64) ([]*SpecimenWell, error) {
	var out []*SpecimenWell
	_ = s.read(func(d *memoryData) error {
		for _, w := range d.wells {
			if w.WellPlateID == plateID {
				w := w
				out = append(out, &w)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PositionTaken(_ context.Context, plateID int64, normalized string, excludeWellID int64) (bool, error) {
	var taken bool
	_ = s.read(func(d *memoryData) error {
		taken = d.positionTaken(plateID, &normalized, excludeWellID)
		return nil
	})
	return taken, nil
}

// Results

func (s *MemoryStore) CreateResult(ctx context.Context, r *Result) error {
	return s.write(ctx, func(d *memoryData) error {
		if _, ok := d.specimens[r.SpecimenID]; !ok {
			return notFound("specimen", r.SpecimenID)
		}
		r.ID = d.id()
		d.results[r.ID] = *r
		return nil
	})
}

func (s *MemoryStore) GetResult(_ context.Context, id int64) (*Result, error) {
	var out *Result
	err := s.read(func(d *memoryData) error {
		r, ok := d.results[id]
		if !ok {
			return notFound("result", id)
		}
		out = &r
		return nil
	})
	return out, err
}

func (s *MemoryStore) UpdateResult(ctx context.Context, r *Result) error {
	return s.write(ctx, func(d *memoryData) error {
		if _, ok := d.results[r.ID]; !ok {
			return notFound("result", r.ID)
		}
		d.results[r.ID] = *r
		return nil
	})
}

func (s *MemoryStore) ListResults(_ context.Context, specimenID int64) ([]*Result, error) {
	var out []*Result
	_ = s.read(func(d *memoryData) error {
		for _, r := range d.results {
			if r.SpecimenID == specimenID {
				r := r
				out = append(out, &r)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Webhook selection and outcomes

func (s *MemoryStore) DueResults(_ context.Context, kind ResultKind) ([]*ResultDelivery, error) {
	var out []*ResultDelivery
	err := s.read(func(d *memoryData) error {
		for _, r := range d.results {
			if r.Kind != kind {
				continue
			}
			sp, ok := d.specimens[r.SpecimenID]
			if !ok {
				return fmt.Errorf("result %d references missing specimen %d", r.ID, r.SpecimenID)
			}
			g, ok := d.groups[sp.ParticipantGroupID]
			if !ok || !ResultDue(&r, &g) {
				continue
			}
			rd := &ResultDelivery{Result: r, Specimen: sp, Tube: d.tubes[sp.TubeID], Group: g}
			if r.WellID != nil {
				if w, ok := d.wells[*r.WellID]; ok {
					rd.Well = &w
					if p, ok := d.plates[w.WellPlateID]; ok {
						rd.Plate = &p
					}
				}
			}
			out = append(out, rd)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Result.ID < out[j].Result.ID })
	return out, err
}

func (s *MemoryStore) DueTubes(_ context.Context) ([]*TubeDelivery, error) {
	var out []*TubeDelivery
	_ = s.read(func(d *memoryData) error {
		for _, t := range d.tubes {
			if t.ParticipantGroupID == nil {
				continue
			}
			g, ok := d.groups[*t.ParticipantGroupID]
			if !ok || !TubeDue(&t, &g) {
				continue
			}
			td := &TubeDelivery{Tube: t, Group: g}
			if t.SpecimenID != nil {
				if sp, ok := d.specimens[*t.SpecimenID]; ok {
					td.Specimen = &sp
				}
			}
			out = append(out, td)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Tube.ID < out[j].Tube.ID })
	return out, nil
}

func (s *MemoryStore) ApplyResultOutcomes(ctx context.Context, kind ResultKind, outcomes []webhook.Outcome) error {
	return s.write(ctx, func(d *memoryData) error {
		for _, o := range outcomes {
			if r, ok := d.results[o.RecordID]; !ok || r.Kind != kind {
				return notFound(string(kind)+" result", o.RecordID)
			}
		}
		for _, o := range outcomes {
			r := d.results[o.RecordID]
			applyOutcome(&r.WebHookStatus, &r.LastWebHookSuccessAt, &r.LastWebHookMessage, r.UpdatedAt, o)
			d.results[r.ID] = r
		}
		return nil
	})
}

func (s *MemoryStore) ApplyTubeOutcomes(ctx context.Context, outcomes []webhook.Outcome) error {
	return s.write(ctx, func(d *memoryData) error {
		for _, o := range outcomes {
			if _, ok := d.tubes[o.RecordID]; !ok {
				return notFound("tube", o.RecordID)
			}
		}
		for _, o := range outcomes {
			t := d.tubes[o.RecordID]
			var version time.Time
			if t.ExternalProcessingAt != nil {
				version = *t.ExternalProcessingAt
			}
			applyOutcome(&t.WebHookStatus, &t.LastWebHookSuccessAt, &t.LastWebHookMessage, version, o)
			d.tubes[t.ID] = t
		}
		return nil
	})
}
