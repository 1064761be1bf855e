// Package deploy defines the contract between the dispatch engine and the
// external operation that materializes a project+environment. The engine
// never knows how a deployment is executed; it only demands an error result
// distinguishable from success.
package deploy

import (
	"context"
	"time"
)

// Request identifies one deployment to materialize.
type Request struct {
	Project     string
	Environment string
	Branch      string
	Ref         string
	Commit      string
	Actor       string
	Workdir     string
	SourceURLs  []string
	Timestamp   time.Time
}

// Operation materializes a project+environment at a given revision. The call
// may be slow (minutes); implementations honor ctx cancellation. Operations
// are expected to be idempotent enough that an operator can safely retry.
type Operation interface {
	Deploy(ctx context.Context, req Request) error
}

// Func adapts a plain function to Operation.
type Func func(ctx context.Context, req Request) error

func (f Func) Deploy(ctx context.Context, req Request) error {
	return f(ctx, req)
}
