package run

import (
	"context"

	"github.com/mattjoyce/logrun/internal/engine"
	"github.com/mattjoyce/logrun/internal/scope"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/mattjoyce/logrun/internal/run Engine

// Engine is the analysis engine a run drives.
type Engine interface {
	Parse(ctx context.Context, sources []string, sc scope.Scope) (engine.Result, error)
	Partition(sources []string, n int) [][]string
	BuildReports(ctx context.Context, sc scope.Scope, retentionMonths int) (engine.Report, error)
	PersistCheckpoint(ctx context.Context) error
}
