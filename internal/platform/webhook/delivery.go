package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/labtrack/labtrack/pkg/pagination"
)

// Delivery attempt statuses.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// DeliveryAttempt records one batch submission.
type DeliveryAttempt struct {
	ID             string        `json:"id"`
	BatchID        string        `json:"batch_id"`
	Kind           Kind          `json:"kind"`
	Endpoint       string        `json:"endpoint"`
	RecordCount    int           `json:"record_count"`
	StatusCode     int           `json:"status_code"`
	ResponseStatus string        `json:"response_status,omitempty"`
	Succeeded      int           `json:"succeeded"`
	Errored        int           `json:"errored"`
	Status         string        `json:"status"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
	CreatedAt      time.Time     `json:"created_at"`
}

// DeliveryLog stores delivery attempts, newest first on listing. An empty
// kind lists every kind.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveries(ctx context.Context, kind Kind, p pagination.Params) ([]*DeliveryAttempt, int, error)
}

// MemoryDeliveryLog is a thread-safe, in-memory DeliveryLog.
type MemoryDeliveryLog struct {
	mu       sync.RWMutex
	attempts []*DeliveryAttempt
}

// NewMemoryDeliveryLog creates an empty log.
func NewMemoryDeliveryLog() *MemoryDeliveryLog {
	return &MemoryDeliveryLog{}
}

func (l *MemoryDeliveryLog) RecordDelivery(_ context.Context, attempt *DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *attempt
	l.attempts = append(l.attempts, &cp)
	return nil
}

func (l *MemoryDeliveryLog) ListDeliveries(_ context.Context, kind Kind, p pagination.Params) ([]*DeliveryAttempt, int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var filtered []*DeliveryAttempt
	for i := len(l.attempts) - 1; i >= 0; i-- {
		if a := l.attempts[i]; kind == "" || a.Kind == kind {
			filtered = append(filtered, a)
		}
	}
	start, end := p.Window(len(filtered))
	return filtered[start:end], len(filtered), nil
}
