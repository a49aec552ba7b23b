package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facilityops/steritrack/pkg/bi"
	"github.com/facilityops/steritrack/pkg/clock"
	"github.com/facilityops/steritrack/pkg/cycle"
)

// Source is the slice of the storage collaborator the stats service
// reads from.
type Source interface {
	LoadCycles(ctx context.Context, facilityID string) ([]cycle.Cycle, error)
	LoadBITestHistory(ctx context.Context, facilityID string, window time.Duration) ([]bi.TestResult, error)
	ListTools(ctx context.Context, facilityID string) ([]cycle.Tool, error)
}

// Service gathers stats inputs from storage and computes CycleStats on
// demand.
type Service struct {
	log        logrus.FieldLogger
	clk        clock.Clock
	source     Source
	facilityID string
}

// NewService creates a stats service.
func NewService(
	log logrus.FieldLogger,
	clk clock.Clock,
	source Source,
	facilityID string,
) *Service {
	return &Service{
		log:        log.WithField("component", "stats"),
		clk:        clk,
		source:     source,
		facilityID: facilityID,
	}
}

// Tools returns the facility's tool records.
func (s *Service) Tools(ctx context.Context) ([]cycle.Tool, error) {
	tools, err := s.source.ListTools(ctx, s.facilityID)
	if err != nil {
		return nil, fmt.Errorf("loading tools: %w", err)
	}

	return tools, nil
}

// CycleStats loads cycle history, BI history, and tool records
// concurrently and computes the derived statistics.
func (s *Service) CycleStats(
	ctx context.Context, inventory *InventoryMetrics,
) (CycleStats, error) {
	var (
		cycles  []cycle.Cycle
		results []bi.TestResult
		tools   []cycle.Tool
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		cycles, err = s.source.LoadCycles(gctx, s.facilityID)
		if err != nil {
			return fmt.Errorf("loading cycles: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		var err error

		results, err = s.source.LoadBITestHistory(gctx, s.facilityID, totalsWindow)
		if err != nil {
			return fmt.Errorf("loading BI history: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		var err error

		tools, err = s.source.ListTools(gctx, s.facilityID)
		if err != nil {
			return fmt.Errorf("loading tools: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return CycleStats{}, err
	}

	return Compute(cycles, results, tools, inventory, s.clk.Now()), nil
}
