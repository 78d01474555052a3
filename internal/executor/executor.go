// Package executor runs exactly one collaborator call per attempt under a hard
// timeout and classifies the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/job"
)

// Config wires the executor's optional persistence.
type Config struct {
	// Store persists produced artifacts; nil keeps them in memory only.
	Store job.BlobStore
	// Hasher fills Artifact.ContentHash when set.
	Hasher job.Hasher
	// OutputDir is the artifact root for the run.
	OutputDir string
}

// Executor invokes a collaborator for one item.
type Executor struct {
	collab job.Collaborator
	cfg    Config
	logger *zap.Logger
}

// New builds an Executor.
func New(collab job.Collaborator, cfg Config, logger *zap.Logger) (*Executor, error) {
	if collab == nil {
		return nil, errors.New("collaborator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{collab: collab, cfg: cfg, logger: logger}, nil
}

type outcome struct {
	out job.Output
	err error
}

// Execute calls the collaborator once. The call is abandoned when timeout
// elapses, which is reported as a transient failure; the executor never
// retries.
func (e *Executor) Execute(ctx context.Context, item job.WorkItem, timeout time.Duration) job.Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				e.logger.Error("collaborator panic", zap.String("item", item.ID), zap.Any("panic", rec))
				done <- outcome{err: job.NewPermanent(fmt.Errorf("collaborator panic: %v", rec))}
			}
		}()
		out, err := e.collab.Process(ctx, item)
		done <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		return job.Result{Err: job.Classify(fmt.Errorf("attempt for %s: %w", item.ID, ctx.Err()))}
	}
	if res.err != nil {
		return job.Result{Err: job.Classify(res.err)}
	}

	artifacts, err := e.persist(ctx, res.out.Artifacts)
	if err != nil {
		return job.Result{Err: job.NewTransient(err)}
	}
	return job.Result{Artifacts: artifacts, Steps: res.out.Steps}
}

func (e *Executor) persist(ctx context.Context, artifacts []job.Artifact) ([]job.Artifact, error) {
	out := make([]job.Artifact, 0, len(artifacts))
	for _, artifact := range artifacts {
		stored, err := Store(ctx, e.cfg, artifact)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// Store fills in the artifact's path, hash and URI and writes it to the
// configured blob store.
func Store(ctx context.Context, cfg Config, artifact job.Artifact) (job.Artifact, error) {
	if artifact.Path == "" {
		artifact.Path = job.ArtifactPath(cfg.OutputDir, artifact.Name)
	}
	if cfg.Hasher != nil && artifact.ContentHash == "" {
		sum, err := cfg.Hasher.Hash([]byte(artifact.Content))
		if err != nil {
			return job.Artifact{}, fmt.Errorf("hash artifact %s: %w", artifact.Name, err)
		}
		artifact.ContentHash = sum
	}
	if cfg.Store == nil {
		return artifact, nil
	}
	uri, err := cfg.Store.PutObject(
		ctx,
		strings.TrimPrefix(artifact.Path, "/"),
		artifact.Kind.ContentType(),
		strings.NewReader(artifact.Content),
	)
	if err != nil {
		return job.Artifact{}, fmt.Errorf("store artifact %s: %w", artifact.Name, err)
	}
	artifact.URI = uri
	return artifact, nil
}
