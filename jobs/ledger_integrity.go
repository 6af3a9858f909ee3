package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// IntegrityChecker scans inventory records against the ledger.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) ([]inventory.Violation, error)
}

// LedgerIntegrityPayload carries scheduling metadata.
type LedgerIntegrityPayload struct {
	// MaxLogged bounds how many violations are logged individually.
	MaxLogged int `json:"max_logged"`
}

// NewLedgerIntegrityTask constructs the periodic integrity task.
func NewLedgerIntegrityTask(maxLogged int) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerIntegrityPayload{MaxLogged: maxLogged})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// LedgerIntegrityJob reports records whose stock level, serial list or ledger
// net disagree. It never repairs data.
type LedgerIntegrityJob struct {
	Checker IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob initialises the integrity handler.
func NewLedgerIntegrityJob(checker IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Checker: checker, Logger: logger, Metrics: metrics}
}

// Handle executes one scan.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Checker == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.MaxLogged <= 0 {
		payload.MaxLogged = 50
	}

	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	start := time.Now()
	violations, err := j.Checker.CheckIntegrity(ctx)
	if err != nil {
		logger.Error("ledger integrity scan failed", slog.Any("error", err))
		return err
	}
	for i, v := range violations {
		if i == payload.MaxLogged {
			logger.Warn("ledger integrity violations truncated", slog.Int("omitted", len(violations)-i))
			break
		}
		logger.Warn("ledger integrity violation",
			slog.Int64("inventory_id", v.InventoryID),
			slog.String("detail", v.Detail),
		)
	}
	j.Metrics.RecordIntegrityScan(len(violations))
	logger.Info("completed ledger integrity scan",
		slog.Int("violations", len(violations)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}
