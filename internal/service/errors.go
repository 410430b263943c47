package service

import (
	"errors"
	"fmt"

	"github.com/ifuryst/postflow/internal/repository"
	"github.com/ifuryst/postflow/internal/service/publisher"
	"github.com/ifuryst/postflow/internal/service/render"
)

var (
	ErrInvalidFrequency = errors.New("invalid frequency")
	ErrInvalidPattern   = errors.New("invalid recurrence pattern")
	ErrInvalidRange     = errors.New("invalid date range")
	ErrContentNotFound  = errors.New("content not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNoActiveJob      = errors.New("no active job")

	ErrRenderingFailed = render.ErrRenderFailed
	ErrPublishFailed   = publisher.ErrPublishFailed
	ErrAuthExhausted   = publisher.ErrAuthExhausted
)

// storeError classifies a repository error. Missing rows become
// ErrContentNotFound, anything else ErrStoreUnavailable.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrContentNotFound) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrContentNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
