package ranking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/metrics"
)

// Decision is one served ranking, published for offline label joins.
type Decision struct {
	DecisionID    string      `json:"decision_id"`
	RideRequestID string      `json:"ride_request_id"`
	ModelVersion  string      `json:"model_version"`
	Ranked        []Candidate `json:"ranked"`
	Excluded      []Exclusion `json:"excluded,omitempty"`
	Degraded      bool        `json:"degraded"`
	ImputedRatio  float64     `json:"imputed_ratio"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Publisher is satisfied by kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// DecisionLog publishes decisions from a background goroutine so the
// request path never waits on the broker.
type DecisionLog struct {
	publisher Publisher
	ch        chan Decision
	metrics   *metrics.Metrics
	logger    *slog.Logger
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewDecisionLog(publisher Publisher, bufferSize int, m *metrics.Metrics) *DecisionLog {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &DecisionLog{
		publisher: publisher,
		ch:        make(chan Decision, bufferSize),
		metrics:   m,
		logger:    slog.Default().With("component", "decision-log"),
		done:      make(chan struct{}),
	}
}

func (l *DecisionLog) Start(ctx context.Context) {
	go func() {
		defer close(l.done)
		for {
			select {
			case d, ok := <-l.ch:
				if !ok {
					return
				}
				l.publish(ctx, d)
			case <-ctx.Done():
				l.drainRemaining()
				return
			}
		}
	}()
	l.logger.Info("decision log started", "buffer_size", cap(l.ch))
}

// Track queues d, dropping it when the buffer is full or the log is
// closed.
func (l *DecisionLog) Track(d Decision) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.metrics.DecisionsDroppedTotal.Inc()
		l.logger.Warn("ranking decision dropped (log closed)", "decision_id", d.DecisionID)
		return
	}
	select {
	case l.ch <- d:
	default:
		l.metrics.DecisionsDroppedTotal.Inc()
		l.logger.Warn("ranking decision dropped (buffer full)", "decision_id", d.DecisionID)
	}
}

// Close stops accepting decisions and waits for the queue to drain. Only
// valid after Start; later calls are no-ops.
func (l *DecisionLog) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *DecisionLog) publish(ctx context.Context, d Decision) {
	key := d.RideRequestID
	if key == "" {
		key = d.DecisionID
	}
	if err := l.publisher.Publish(ctx, kafka.Event{Key: key, Value: d}); err != nil {
		l.logger.Error("failed to publish ranking decision", "decision_id", d.DecisionID, "error", err)
	}
}

func (l *DecisionLog) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case d, ok := <-l.ch:
			if !ok {
				return
			}
			l.publish(ctx, d)
		default:
			return
		}
	}
}
