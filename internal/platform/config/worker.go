package config

import (
	"fmt"
	"strconv"

	"github.com/streamcord/spyglass/internal/domain"
)

// Worker parses the SPYGLASS_WORKER_* variables into the partition this process owns.
func (c *Config) Worker() (domain.WorkerInfo, error) {
	index, err := strconv.ParseInt(c.WorkerIndex, 10, 64)
	if err != nil {
		return domain.WorkerInfo{}, fmt.Errorf("%w: SPYGLASS_WORKER_INDEX: %w", ErrWorkerEnv, err)
	}
	total, err := strconv.ParseInt(c.WorkerTotal, 10, 64)
	if err != nil {
		return domain.WorkerInfo{}, fmt.Errorf("%w: SPYGLASS_WORKER_TOTAL: %w", ErrWorkerEnv, err)
	}

	w := domain.WorkerInfo{Index: index, Total: total, Callback: c.WorkerCallback}
	if err := w.Validate(); err != nil {
		return domain.WorkerInfo{}, fmt.Errorf("%w: %w", ErrWorkerEnv, err)
	}
	return w, nil
}

// ClientID returns the application client id as a domain value.
func (c *Config) ClientID() domain.ClientID {
	return domain.ClientID(c.TwitchClientID)
}
