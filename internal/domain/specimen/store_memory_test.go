package specimen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/labtrack/labtrack/internal/platform/apperr"
	"github.com/labtrack/labtrack/internal/platform/webhook"
)

func TestMemoryStore_UniqueAccessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateGroup(ctx, &ParticipantGroup{AccessionID: "GRP-1", Title: "a", ParticipantCount: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CreateGroup(ctx, &ParticipantGroup{AccessionID: "GRP-1", Title: "b", ParticipantCount: 1}); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate group, got %v", err)
	}
	s.CreateTube(ctx, &Tube{AccessionID: "T1"})
	if err := s.CreateTube(ctx, &Tube{AccessionID: "T1"}); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate tube, got %v", err)
	}
	s.CreatePlate(ctx, &WellPlate{Barcode: "P1"})
	if err := s.CreatePlate(ctx, &WellPlate{Barcode: "P1"}); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate plate, got %v", err)
	}
	if ok, _ := s.TubeAccessionExists(ctx, "T1"); !ok {
		t.Error("expected T1 to exist")
	}
	if ok, _ := s.GroupAccessionExists(ctx, "GRP-2"); ok {
		t.Error("did not expect GRP-2 to exist")
	}
}

func TestMemoryStore_SpecimenAccession(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := &Specimen{TubeID: 1}
	b := &Specimen{TubeID: 2}
	s.CreateSpecimen(ctx, a)
	s.CreateSpecimen(ctx, b)

	if err := s.CreateSpecimen(ctx, &Specimen{TubeID: 1}); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("expected one specimen per tube, got %v", err)
	}
	if err := s.SetSpecimenAccession(ctx, a.ID, "C1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SetSpecimenAccession(ctx, b.ID, "C1"); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if err := s.SetSpecimenAccession(ctx, a.ID, "C2"); !errors.Is(err, apperr.ErrPrecondition) {
		t.Errorf("expected accession to be immutable, got %v", err)
	}
	if err := s.SetSpecimenAccession(ctx, 999, "C3"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_WellPositions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	g4 := "G4"
	first := &SpecimenWell{WellPlateID: 1, SpecimenID: 1, NormalizedPosition: &g4}
	if err := s.CreateWell(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CreateWell(ctx, &SpecimenWell{WellPlateID: 1, SpecimenID: 2, NormalizedPosition: &g4}); !errors.Is(err, apperr.ErrPositionTaken) {
		t.Errorf("expected ErrPositionTaken, got %v", err)
	}
	if err := s.CreateWell(ctx, &SpecimenWell{WellPlateID: 2, SpecimenID: 2, NormalizedPosition: &g4}); err != nil {
		t.Errorf("expected the same position on another plate to be free, got %v", err)
	}
	unplaced := &SpecimenWell{WellPlateID: 1, SpecimenID: 3}
	s.CreateWell(ctx, unplaced)
	s.CreateWell(ctx, &SpecimenWell{WellPlateID: 1, SpecimenID: 4})

	unplaced.NormalizedPosition = &g4
	if err := s.UpdateWell(ctx, unplaced); !errors.Is(err, apperr.ErrPositionTaken) {
		t.Errorf("expected ErrPositionTaken on update, got %v", err)
	}
	if taken, _ := s.PositionTaken(ctx, 1, "G4", first.ID); taken {
		t.Error("expected a well not to collide with itself")
	}
	wells, _ := s.ListWells(ctx, 1)
	if len(wells) != 3 {
		t.Errorf("expected 3 wells on plate 1, got %d", len(wells))
	}
}

func TestMemoryStore_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.CreateTube(ctx, &Tube{AccessionID: "T1"}); err != nil {
			return err
		}
		return s.InTx(ctx, func(ctx context.Context) error {
			if err := s.CreateTube(ctx, &Tube{AccessionID: "T2"}); err != nil {
				return err
			}
			return boom
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	for _, acc := range []string{"T1", "T2"} {
		if ok, _ := s.TubeAccessionExists(ctx, acc); ok {
			t.Errorf("expected %s to be rolled back", acc)
		}
	}

	tube := &Tube{AccessionID: "T3"}
	if err := s.InTx(ctx, func(ctx context.Context) error { return s.CreateTube(ctx, tube) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tube.ID != 1 {
		t.Errorf("expected rolled back keys to be reused, got %d", tube.ID)
	}
}

func TestMemoryStore_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.InTx(ctx, func(ctx context.Context) error {
				return s.CreateTube(ctx, &Tube{AccessionID: fmt.Sprintf("T%d", i)})
			})
			s.CreateTube(ctx, &Tube{AccessionID: fmt.Sprintf("U%d", i)})
		}(i)
	}
	wg.Wait()
	if n := len(s.data.tubes); n != 40 {
		t.Errorf("expected 40 tubes, got %d", n)
	}
}

// seedDue stores a group and an accepted specimen with one result.
func seedDue(t *testing.T, s *MemoryStore, g ParticipantGroup, kind ResultKind, updated time.Time) *Result {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateGroup(ctx, &g); err != nil {
		t.Fatalf("create group: %v", err)
	}
	tube := &Tube{AccessionID: fmt.Sprintf("T-%s", g.AccessionID), Status: TubeAccepted, ParticipantGroupID: &g.ID}
	s.CreateTube(ctx, tube)
	sp := &Specimen{AccessionID: "C-" + g.AccessionID, TubeID: tube.ID, ParticipantGroupID: g.ID, Status: SpecimenAccepted}
	s.CreateSpecimen(ctx, sp)
	positive := ConclusionPositive
	r := &Result{Kind: kind, SpecimenID: sp.ID, Conclusion: &positive, WebHookStatus: statusPtr(webhook.StatusQueued), UpdatedAt: updated}
	if err := s.CreateResult(ctx, r); err != nil {
		t.Fatalf("create result: %v", err)
	}
	return r
}

func TestMemoryStore_DueResults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2020, 5, 21, 9, 0, 0, 0, time.UTC)

	due := seedDue(t, s, ParticipantGroup{AccessionID: "GRP-A", IsActive: true, ViralWebHookEnabled: true}, ResultViral, at)
	seedDue(t, s, ParticipantGroup{AccessionID: "GRP-B", IsActive: true, ViralWebHookEnabled: true, IsControl: true}, ResultViral, at)
	seedDue(t, s, ParticipantGroup{AccessionID: "GRP-C", IsActive: false, ViralWebHookEnabled: true}, ResultViral, at)
	seedDue(t, s, ParticipantGroup{AccessionID: "GRP-D", IsActive: true}, ResultViral, at)
	antibody := seedDue(t, s, ParticipantGroup{AccessionID: "GRP-E", IsActive: true, AntibodyWebHookEnabled: true}, ResultAntibody, at)

	viral, err := s.DueResults(ctx, ResultViral)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(viral) != 1 || viral[0].Result.ID != due.ID || viral[0].Group.AccessionID != "GRP-A" || viral[0].Tube.AccessionID != "T-GRP-A" {
		t.Fatalf("unexpected due viral results %+v", viral)
	}
	anti, _ := s.DueResults(ctx, ResultAntibody)
	if len(anti) != 1 || anti[0].Result.ID != antibody.ID {
		t.Errorf("unexpected due antibody results %+v", anti)
	}

	if err := s.ApplyResultOutcomes(ctx, ResultViral, []webhook.Outcome{{RecordID: due.ID, Status: webhook.StatusSuccess, At: at, Message: "ok"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if viral, _ := s.DueResults(ctx, ResultViral); len(viral) != 0 {
		t.Errorf("expected nothing due after delivery, got %d", len(viral))
	}
	stored, _ := s.GetResult(ctx, due.ID)
	if !stored.UpdatedAt.Equal(at) || stored.LastWebHookSuccessAt == nil || *stored.LastWebHookMessage != "ok" {
		t.Errorf("unexpected stored result %+v", stored)
	}
}

func TestMemoryStore_ApplyOutcomesIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2020, 5, 21, 9, 0, 0, 0, time.UTC)
	r := seedDue(t, s, ParticipantGroup{AccessionID: "GRP-A", IsActive: true, ViralWebHookEnabled: true}, ResultViral, at)

	err := s.ApplyResultOutcomes(ctx, ResultViral, []webhook.Outcome{
		{RecordID: r.ID, Status: webhook.StatusSuccess, At: at},
		{RecordID: 999, Status: webhook.StatusSuccess, At: at},
	})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	stored, _ := s.GetResult(ctx, r.ID)
	if *stored.WebHookStatus != webhook.StatusQueued {
		t.Errorf("expected no outcome to be applied, got %s", *stored.WebHookStatus)
	}
	if err := s.ApplyResultOutcomes(ctx, ResultAntibody, []webhook.Outcome{{RecordID: r.ID, Status: webhook.StatusError, At: at}}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected a viral result to be unknown to the antibody source, got %v", err)
	}
}

func TestMemoryStore_ApplyOutcomesChecksSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2020, 5, 21, 9, 0, 0, 0, time.UTC)
	r := seedDue(t, s, ParticipantGroup{AccessionID: "GRP-A", IsActive: true, ViralWebHookEnabled: true}, ResultViral, at)

	stale := webhook.Outcome{RecordID: r.ID, Status: webhook.StatusSuccess, At: at.Add(time.Minute), Message: "ok", Snapshot: at.Add(-time.Minute)}
	if err := s.ApplyResultOutcomes(ctx, ResultViral, []webhook.Outcome{stale}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := s.GetResult(ctx, r.ID)
	if *stored.WebHookStatus != webhook.StatusQueued || stored.LastWebHookSuccessAt != nil || *stored.LastWebHookMessage != "ok" {
		t.Errorf("expected only the message on a changed result, got %+v", stored)
	}
	if due, _ := s.DueResults(ctx, ResultViral); len(due) != 1 {
		t.Fatalf("expected the changed result to stay due, got %d", len(due))
	}

	current := stale
	current.Snapshot = at
	if err := s.ApplyResultOutcomes(ctx, ResultViral, []webhook.Outcome{current}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if due, _ := s.DueResults(ctx, ResultViral); len(due) != 0 {
		t.Errorf("expected a matching snapshot to deliver the result, got %d due", len(due))
	}
}

func TestMemoryStore_DueTubes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2020, 5, 21, 9, 0, 0, 0, time.UTC)
	g := &ParticipantGroup{AccessionID: "GRP-A", IsActive: true, ExternalProcessingWebHookEnabled: true}
	s.CreateGroup(ctx, g)

	sent := &Tube{AccessionID: "T1", Status: TubeExternalProcessing, ParticipantGroupID: &g.ID, ExternalProcessingAt: &at, WebHookStatus: statusPtr(webhook.StatusQueued)}
	s.CreateTube(ctx, sent)
	s.CreateTube(ctx, &Tube{AccessionID: "T2", Status: TubeAccepted, ParticipantGroupID: &g.ID})
	s.CreateTube(ctx, &Tube{AccessionID: "T3", Status: TubeCreated})

	due, err := s.DueTubes(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 || due[0].Tube.ID != sent.ID {
		t.Fatalf("unexpected due tubes %+v", due)
	}
	if err := s.ApplyTubeOutcomes(ctx, []webhook.Outcome{{RecordID: sent.ID, Status: webhook.StatusError, At: at, Message: "nope"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := s.GetTube(ctx, sent.ID)
	if *stored.WebHookStatus != webhook.StatusError || stored.LastWebHookSuccessAt != nil {
		t.Errorf("unexpected tube %+v", stored)
	}
	if due, _ := s.DueTubes(ctx); len(due) != 1 {
		t.Errorf("expected failed tube to stay due, got %d", len(due))
	}
}
