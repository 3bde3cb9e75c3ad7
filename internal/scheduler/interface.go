package scheduler

import (
	"context"

	"github.com/mattjoyce/logrun/internal/engine"
	"github.com/mattjoyce/logrun/internal/scope"
)

//go:generate mockgen -destination=mocks/mock_parser.go -package=mocks github.com/mattjoyce/logrun/internal/scheduler Parser

// Parser is the part of the analysis engine the scheduler drives.
type Parser interface {
	Parse(ctx context.Context, sources []string, sc scope.Scope) (engine.Result, error)
	Partition(sources []string, n int) [][]string
}
