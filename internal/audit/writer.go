// Package audit persists consensus decisions without blocking the request path.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/idverify/internal/constants"
	"github.com/kozaktomas/idverify/internal/consensus"
	"github.com/kozaktomas/idverify/internal/database"
	"go.uber.org/zap"
)

// Writer handles async writing of decisions to the decision store.
type Writer struct {
	store     database.DecisionWriter
	logger    *zap.Logger
	records   chan *database.DecisionRecord
	onDrop    func()
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64

	// mu orders sends against Close: once closed is set no send can be in
	// flight, so the drain in writeLoop sees every queued record.
	mu     sync.RWMutex
	closed bool
}

// NewWriter creates a writer with a buffer of bufferSize decisions. onDrop,
// if set, is called for every decision dropped on a full buffer.
func NewWriter(store database.DecisionWriter, bufferSize int, logger *zap.Logger, onDrop func()) *Writer {
	if bufferSize <= 0 {
		bufferSize = constants.DefaultAuditBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Writer{
		store:   store,
		logger:  logger,
		records: make(chan *database.DecisionRecord, bufferSize),
		onDrop:  onDrop,
		done:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

// ObserveDecision queues res. It implements consensus.Observer.
func (w *Writer) ObserveDecision(_ context.Context, res *consensus.ConsensusResult) {
	rec, err := ToRecord(res)
	if err != nil {
		w.logger.Error("Failed to encode decision", zap.String("decision_id", res.DecisionID.String()), zap.Error(err))
		return
	}
	w.Write(rec)
}

// Write queues a record. Non-blocking; drops if the buffer is full or the
// writer is closed.
func (w *Writer) Write(rec *database.DecisionRecord) {
	if w == nil {
		return
	}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		w.drop(rec, "Audit writer closed, dropping decision")
		return
	}
	select {
	case w.records <- rec:
		w.mu.RUnlock()
	default:
		w.mu.RUnlock()
		w.drop(rec, "Audit buffer full, dropping decision")
	}
}

func (w *Writer) drop(rec *database.DecisionRecord, msg string) {
	w.dropped.Add(1)
	if w.onDrop != nil {
		w.onDrop()
	}
	w.logger.Warn(msg,
		zap.String("decision_id", rec.DecisionID),
		zap.String("request_id", rec.RequestID))
}

// Dropped returns how many decisions were dropped so far.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops accepting decisions and flushes pending ones.
func (w *Writer) Close() {
	if w == nil {
		return
	}

	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.done)
	})
	w.wg.Wait()
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.records:
			w.save(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.records:
					w.save(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) save(rec *database.DecisionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.AuditWriteTimeout)
	defer cancel()

	if err := w.store.SaveDecision(ctx, rec); err != nil {
		w.logger.Error("Failed to write decision",
			zap.String("decision_id", rec.DecisionID),
			zap.Error(err))
	}
}

// ToRecord converts a result into its audit row.
func ToRecord(res *consensus.ConsensusResult) (*database.DecisionRecord, error) {
	candidates, err := json.Marshal(res.Candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal candidates: %w", err)
	}

	return &database.DecisionRecord{
		DecisionID:     res.DecisionID.String(),
		RequestID:      res.RequestID,
		ConfigVersion:  res.ConfigVersion,
		Strategy:       res.Strategy,
		WinnerID:       res.WinnerID,
		Outcome:        string(res.Outcome),
		ConsensusCount: res.ConsensusCount,
		CombinedScore:  res.CombinedScore,
		FastPathUsed:   res.FastPathUsed,
		Escalated:      res.Escalated,
		Ambiguous:      res.Ambiguous,
		Candidates:     candidates,
		DecidedAt:      res.DecidedAt,
		DurationMs:     res.DurationMs,
	}, nil
}

// FromRecord rebuilds a result from its audit row.
func FromRecord(rec *database.DecisionRecord) (*consensus.ConsensusResult, error) {
	res := &consensus.ConsensusResult{
		RequestID:      rec.RequestID,
		ConfigVersion:  rec.ConfigVersion,
		Strategy:       rec.Strategy,
		WinnerID:       rec.WinnerID,
		Outcome:        consensus.Outcome(rec.Outcome),
		ConsensusCount: rec.ConsensusCount,
		CombinedScore:  rec.CombinedScore,
		FastPathUsed:   rec.FastPathUsed,
		Escalated:      rec.Escalated,
		Ambiguous:      rec.Ambiguous,
		DecidedAt:      rec.DecidedAt,
		DurationMs:     rec.DurationMs,
	}
	if err := res.DecisionID.UnmarshalText([]byte(rec.DecisionID)); err != nil {
		return nil, fmt.Errorf("invalid decision id %q: %w", rec.DecisionID, err)
	}
	if len(rec.Candidates) > 0 {
		if err := json.Unmarshal(rec.Candidates, &res.Candidates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candidates: %w", err)
		}
	}
	return res, nil
}
