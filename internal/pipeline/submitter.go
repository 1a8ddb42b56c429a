package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/core"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/validation"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

// ErrForbidden is returned when a user acts on an asset they do not own.
var ErrForbidden = errors.New("Unauthorized")

type SubmitStore interface {
	core.AssetStore
	core.ScanStore
}

// Submitter turns a user request into a PENDING scan row plus a queued task.
type Submitter struct {
	store  SubmitStore
	queue  core.TaskQueue
	logger *logger.Logger
}

func NewSubmitter(store SubmitStore, queue core.TaskQueue, log *logger.Logger) *Submitter {
	return &Submitter{
		store:  store,
		queue:  queue,
		logger: log.WithComponent("submitter"),
	}
}

// SubmitScan registers domain as a new asset of userID and queues its first scan.
func (s *Submitter) SubmitScan(ctx context.Context, userID int64, domain string) (*types.Scan, error) {
	normalized, err := validation.NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}

	asset, scan, err := s.store.SubmitAsset(ctx, userID, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}

	if err := s.enqueue(ctx, scan, asset.Domain); err != nil {
		return scan, err
	}
	return scan, nil
}

// Rescan queues a fresh scan of an asset the user already owns.
func (s *Submitter) Rescan(ctx context.Context, userID, assetID int64) (*types.Scan, error) {
	asset, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if asset.UserID != userID {
		return nil, ErrForbidden
	}

	scan, err := s.store.CreateScan(ctx, asset.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan: %w", err)
	}

	if err := s.enqueue(ctx, scan, asset.Domain); err != nil {
		return scan, err
	}
	return scan, nil
}

func (s *Submitter) enqueue(ctx context.Context, scan *types.Scan, domain string) error {
	task := &types.ScanTask{
		ScanID: scan.ID,
		Domain: domain,
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		err = fmt.Errorf("failed to queue scan %d: %w", scan.ID, err)

		// A scan nobody will ever pick up must not sit in PENDING forever.
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if uerr := s.store.UpdateScanStatus(failCtx, scan.ID, types.ScanStatusFailed, err.Error()); uerr != nil {
			s.logger.LogError(ctx, uerr, "submitter.enqueue", "scan_id", scan.ID)
		} else {
			scan.Status = types.ScanStatusFailed
			scan.ErrorMessage = err.Error()
		}
		return err
	}

	s.logger.Infow("Scan queued",
		"scan_id", scan.ID,
		"task_id", task.ID,
		"domain", domain,
	)
	return nil
}
