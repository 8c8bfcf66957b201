package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

// DefaultBatchSize caps the records sent in one request.
const DefaultBatchSize = 100

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithLocker replaces the default MemoryLocker.
func WithLocker(l Locker) SyncOption {
	return func(s *Synchronizer) { s.locker = l }
}

// WithDeliveryLog records every submission attempt.
func WithDeliveryLog(l DeliveryLog) SyncOption {
	return func(s *Synchronizer) { s.deliveries = l }
}

// WithMetrics counts batches and records.
func WithMetrics(m *Metrics) SyncOption {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) SyncOption {
	return func(s *Synchronizer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithAssumeUnacknowledgedDelivered toggles the policy of the same name in
// ReconcileOptions. It is on by default.
func WithAssumeUnacknowledgedDelivered(on bool) SyncOption {
	return func(s *Synchronizer) { s.assumeDelivered = on }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SyncOption {
	return func(s *Synchronizer) { s.now = now }
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(l zerolog.Logger) SyncOption {
	return func(s *Synchronizer) { s.logger = l }
}

type route struct {
	source Source
	url    string
}

// Synchronizer delivers due records of each registered kind.
type Synchronizer struct {
	client          *Client
	routes          map[Kind]route
	locker          Locker
	deliveries      DeliveryLog
	metrics         *Metrics
	batchSize       int
	assumeDelivered bool
	now             func() time.Time
	logger          zerolog.Logger
}

// NewSynchronizer creates a Synchronizer without routes.
func NewSynchronizer(client *Client, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		client:          client,
		routes:          make(map[Kind]route),
		locker:          NewMemoryLocker(),
		batchSize:       DefaultBatchSize,
		assumeDelivered: true,
		now:             time.Now,
		logger:          zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register routes the records of src.Kind() to endpoint.
func (s *Synchronizer) Register(src Source, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s endpoint %q must be an http(s) URL", apperr.ErrConfiguration, src.Kind(), endpoint)
	}
	s.routes[src.Kind()] = route{source: src, url: endpoint}
	return nil
}

// Kinds lists the registered kinds in a stable order.
func (s *Synchronizer) Kinds() []Kind {
	var out []Kind
	for _, k := range Kinds() {
		if _, ok := s.routes[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Report summarises one run for one kind.
type Report struct {
	Kind      Kind      `json:"kind"`
	Endpoint  string    `json:"endpoint"`
	Due       int       `json:"due"`
	Batches   int       `json:"batches"`
	Submitted int       `json:"submitted"`
	Succeeded int       `json:"succeeded"`
	Errored   int       `json:"errored"`
	Assumed   int       `json:"assumed"`
	Ignored   int       `json:"ignored"`
	Outcomes  []Outcome `json:"outcomes,omitempty"`
}

// Run delivers the due records of kind. Records are sent in batches;
// batches reconciled before a failure stay persisted and the failing batch
// and everything after it stay due. The returned Report is valid even when
// err is not nil.
func (s *Synchronizer) Run(ctx context.Context, kind Kind) (*Report, error) {
	rt, ok := s.routes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint configured for %s", apperr.ErrConfiguration, kind)
	}
	report := &Report{Kind: kind, Endpoint: redact(rt.url)}
	logger := s.logger.With().Str("kind", string(kind)).Str("endpoint", report.Endpoint).Logger()

	lock, err := s.locker.Acquire(ctx, LockName(kind, rt.url))
	if err != nil {
		return report, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("release webhook lock")
		}
	}()

	due, err := rt.source.Due(ctx)
	if err != nil {
		return report, fmt.Errorf("select due %s records: %w", kind, err)
	}
	report.Due = len(due)
	if len(due) == 0 {
		logger.Debug().Msg("nothing due")
		return report, nil
	}

	for start := 0; start < len(due); start += s.batchSize {
		end := start + s.batchSize
		if end > len(due) {
			end = len(due)
		}
		if err := lock.Refresh(ctx); err != nil {
			logger.Error().Err(err).Msg("webhook lock lost")
			return report, err
		}
		if err := s.deliver(ctx, rt, due[start:end], report, logger); err != nil {
			return report, err
		}
	}

	logger.Info().
		Int("submitted", report.Submitted).
		Int("succeeded", report.Succeeded).
		Int("errored", report.Errored).
		Int("assumed", report.Assumed).
		Msg("webhook sync finished")
	return report, nil
}

func (s *Synchronizer) deliver(ctx context.Context, rt route, chunk []Record, report *Report, logger zerolog.Logger) error {
	// Nothing has left the process yet, so cancellation is still free.
	if err := ctx.Err(); err != nil {
		return err
	}

	kind := rt.source.Kind()
	batchID := uuid.New().String()
	logger = logger.With().Str("batch_id", batchID).Int("records", len(chunk)).Logger()
	attempt := &DeliveryAttempt{
		ID:          uuid.New().String(),
		BatchID:     batchID,
		Kind:        kind,
		Endpoint:    report.Endpoint,
		RecordCount: len(chunk),
		CreatedAt:   s.now().UTC(),
	}

	start := time.Now()
	sub, err := s.client.Submit(ctx, rt.url, BatchRequest{Kind: kind, BatchID: batchID, Records: chunk})
	attempt.Duration = time.Since(start)
	if sub != nil {
		attempt.StatusCode = sub.StatusCode
	}
	if err != nil {
		attempt.Status = DeliveryFailed
		attempt.Error = err.Error()
		s.metrics.observeBatch(kind, failureOutcome(err), attempt.Duration)
		s.record(ctx, attempt, logger)
		logger.Error().Err(err).Msg("webhook batch not delivered")
		return err
	}

	// The remote system has acknowledged the batch; persist the outcome
	// even if the caller gives up now.
	applyCtx := context.WithoutCancel(ctx)
	rec := Reconcile(chunk, sub.Result, ReconcileOptions{Now: s.now().UTC(), AssumeUnacknowledgedDelivered: s.assumeDelivered})
	for _, row := range rec.Unknown {
		logger.Warn().RawJSON("echoed_id", nonEmptyJSON(row.Data.ID)).Str("row_status", row.Status).Msg("acknowledgement names an unknown record")
	}
	attempt.ResponseStatus = sub.Result.Status
	attempt.Succeeded = rec.Succeeded
	attempt.Errored = rec.Errored

	if err := rt.source.Apply(applyCtx, rec.Outcomes); err != nil {
		attempt.Status = DeliveryFailed
		attempt.Error = err.Error()
		s.metrics.observeBatch(kind, OutcomeApplyFailed, attempt.Duration)
		s.record(applyCtx, attempt, logger)
		logger.Error().Err(err).Msg("acknowledged webhook batch could not be persisted")
		return fmt.Errorf("persist %s outcomes of batch %s: %w", kind, batchID, err)
	}

	attempt.Status = DeliverySuccess
	s.metrics.observeBatch(kind, OutcomeDelivered, attempt.Duration)
	s.metrics.observeRecords(kind, rec)
	s.record(applyCtx, attempt, logger)

	report.Batches++
	report.Submitted += len(chunk)
	report.Succeeded += rec.Succeeded
	report.Errored += rec.Errored
	report.Assumed += rec.Assumed
	report.Ignored += len(rec.Unknown)
	report.Outcomes = append(report.Outcomes, rec.Outcomes...)
	logger.Debug().Str("response_status", sub.Result.Status).Int("succeeded", rec.Succeeded).Int("errored", rec.Errored).Msg("webhook batch reconciled")
	return nil
}

func (s *Synchronizer) record(ctx context.Context, attempt *DeliveryAttempt, logger zerolog.Logger) {
	if s.deliveries == nil {
		return
	}
	if err := s.deliveries.RecordDelivery(context.WithoutCancel(ctx), attempt); err != nil {
		logger.Warn().Err(err).Msg("record webhook delivery attempt")
	}
}

// RunAll runs every registered kind and joins their errors.
func (s *Synchronizer) RunAll(ctx context.Context) ([]*Report, error) {
	var reports []*Report
	var errs []error
	for _, k := range s.Kinds() {
		r, err := s.Run(ctx, k)
		if r != nil {
			reports = append(reports, r)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return reports, errors.Join(errs...)
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, apperr.ErrAuthentication):
		return OutcomeAuthFailed
	case errors.Is(err, apperr.ErrProtocol):
		return OutcomeProtocolError
	default:
		return OutcomeTransportError
	}
}

// redact drops credentials embedded in an endpoint URL.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	u.User = nil
	return u.String()
}

func nonEmptyJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
