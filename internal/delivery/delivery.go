package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mtzanidakis/batchchain/internal/chain"
	"github.com/mtzanidakis/batchchain/internal/config"
	"github.com/mtzanidakis/batchchain/internal/natsbus"
)

// DeliveryError reports a delivery target that could not be served.
type DeliveryError struct {
	Target string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Publisher interface {
	PublishEvent(topic string, ev natsbus.Event) error
}

// Notifier pushes the rendered aggregate back to where a request came from.
type Notifier interface {
	Notify(ctx context.Context, c *chain.Chain, text string) error
}

// Sink publishes, archives and forwards the aggregate of every terminal
// chain. Every target is attempted even when an earlier one fails.
type Sink struct {
	archivePath string
	pub         Publisher
	notifiers   []Notifier
	now         func() time.Time
}

func New(cfg config.ArchiveConfig, pub Publisher) *Sink {
	return &Sink{
		archivePath: cfg.Path,
		pub:         pub,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sink) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

func (s *Sink) Deliver(ctx context.Context, c *chain.Chain) error {
	text := Format(c)
	var errs []error

	path, err := s.Archive(c, text)
	if err != nil {
		errs = append(errs, &DeliveryError{Target: "archive", Err: err})
	}

	if s.pub != nil {
		ev := natsbus.Event{
			Type:    natsbus.EventChainDelivered,
			ChainID: c.ID,
			Data: map[string]any{
				"stage":      c.Stage,
				"mode":       c.Mode,
				"target_id":  c.TargetID,
				"cost":       c.Cost,
				"content":    text,
				"archive":    path,
				"no_reports": departmentsWithoutReport(c),
			},
		}
		if err := s.pub.PublishEvent(natsbus.TopicEventsChain(c.ID), ev); err != nil {
			errs = append(errs, &DeliveryError{Target: "live", Err: err})
		}
	}

	for _, n := range s.notifiers {
		if err := n.Notify(ctx, c, text); err != nil {
			errs = append(errs, &DeliveryError{Target: "notifier", Err: err})
		}
	}

	slog.Info("chain delivered", "chain_id", c.ID, "stage", c.Stage, "archive", path, "errors", len(errs))
	return errors.Join(errs...)
}

// Archive writes text to <archive>/<department>/<timestamp>-<chain>.md and
// returns the path. It is a no-op without an archive directory.
func (s *Sink) Archive(c *chain.Chain, text string) (string, error) {
	if s.archivePath == "" {
		return "", nil
	}
	dir := filepath.Join(s.archivePath, archiveDepartment(c))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	short := c.ID
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("%s-%s.md", s.now().Format("20060102-150405"), short)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, nil
}
