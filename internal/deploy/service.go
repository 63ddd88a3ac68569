// Package deploy orchestrates the end-to-end pipeline: resolve machine
// identity, obtain a token, build the package, upload it, and track the
// remote build to a terminal outcome.
package deploy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orbit88/cube.js/internal/cloud"
	"github.com/orbit88/cube.js/internal/fingerprint"
	"github.com/orbit88/cube.js/internal/pack"
	"github.com/orbit88/cube.js/internal/project"
	"github.com/orbit88/cube.js/internal/retry"
	"github.com/orbit88/cube.js/internal/token"
	"github.com/orbit88/cube.js/pkg/logger"
)

// TokenSource yields valid auth tokens. *token.Manager implements it.
type TokenSource interface {
	Token(ctx context.Context) (token.Token, error)
	Invalidate()
}

// Backend is the slice of the cloud client the orchestrator needs.
type Backend interface {
	CreateDeployment(ctx context.Context, tokenValue string, manifest *pack.Manifest, archive []byte) (cloud.Job, error)
	GetDeployment(ctx context.Context, tokenValue, id string) (cloud.Job, error)
}

// PackageBuilder produces the archive and manifest for a project root.
type PackageBuilder interface {
	Build(root string, rules pack.Rules) (*pack.Manifest, []byte, error)
}

// Result summarizes a completed deploy attempt.
type Result struct {
	AttemptID     string
	Job           cloud.Job
	Digest        string
	PackageFiles  int
	PackageBytes  int64
	UploadRetries int
	PollRetries   int
	Duration      time.Duration
}

// Service drives the full deploy sequence. One attempt runs as a single
// linear pipeline; re-invoking with unchanged project content produces
// the same package digest, which the backend uses to dedup.
type Service struct {
	tokens   TokenSource
	backend  Backend
	builder  PackageBuilder
	policy   retry.Policy
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

// New creates the orchestrator. interval and timeout configure the
// status poller; policy is shared by the upload and poll stages (the
// token manager carries its own copy of the same policy).
func New(tokens TokenSource, backend Backend, builder PackageBuilder, policy retry.Policy, interval, timeout time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		tokens:   tokens,
		backend:  backend,
		builder:  builder,
		policy:   policy,
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// Deploy runs the pipeline for the resolved project and returns the
// terminal job. Any stage failure short-circuits the remaining stages
// and is tagged with the stage it occurred in.
func (s *Service) Deploy(ctx context.Context, proj *project.Project, sink Sink) (*Result, error) {
	started := time.Now()
	attemptID := uuid.NewString()
	fp := fingerprint.Get()
	s.log.Info("deploy attempt started",
		"attempt_id", attemptID,
		"project", proj.Name,
		"fingerprint", fp)
	publish(sink, Event{Stage: StageFingerprint, Message: fp})

	// Local, deterministic work happens before any network call so
	// package problems fail fast.
	publish(sink, Event{Stage: StagePackage, Message: "building package"})
	manifest, archive, err := s.builder.Build(proj.Root, pack.Rules{
		Include: proj.Include,
		Exclude: proj.Exclude,
	})
	if err != nil {
		return nil, stageErr(StagePackage, err)
	}
	s.log.Info("package built",
		"attempt_id", attemptID,
		"files", len(manifest.Files),
		"bytes", manifest.TotalSize,
		"digest", manifest.Digest)

	publish(sink, Event{Stage: StageAuth, Message: "authenticating"})
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, stageErr(StageAuth, err)
	}

	publish(sink, Event{Stage: StageUpload, Message: "uploading package"})
	job, uploadRetries, err := s.upload(ctx, manifest, archive)
	if err != nil {
		return nil, stageErr(StageUpload, err)
	}
	s.log.Info("package uploaded",
		"attempt_id", attemptID,
		"deployment_id", job.ID,
		"upload_retries", uploadRetries)

	poller := NewPoller(s.backend, s.policy, s.interval, s.timeout, s.log)
	job, pollRetries, err := poller.Wait(ctx, tok.Value, job, sink)
	if err != nil {
		return nil, stageErr(StageWait, err)
	}
	s.log.Info("deploy attempt finished",
		"attempt_id", attemptID,
		"deployment_id", job.ID,
		"status", job.Status,
		"elapsed", time.Since(started))

	return &Result{
		AttemptID:     attemptID,
		Job:           job,
		Digest:        manifest.Digest,
		PackageFiles:  len(manifest.Files),
		PackageBytes:  manifest.TotalSize,
		UploadRetries: uploadRetries,
		PollRetries:   pollRetries,
		Duration:      time.Since(started),
	}, nil
}

// upload transmits the archive under the retry policy. Every attempt
// reuses the same archive bytes and digest so the backend can dedup,
// and re-reads the token from the manager so an attempt never goes out
// with an expired credential.
func (s *Service) upload(ctx context.Context, manifest *pack.Manifest, archive []byte) (cloud.Job, int, error) {
	var job cloud.Job
	retries, err := s.policy.Do(ctx, func() error {
		current, err := s.tokens.Token(ctx)
		if err != nil {
			return retry.Permanent(err)
		}
		job, err = s.backend.CreateDeployment(ctx, current.Value, manifest, archive)
		if err != nil && !cloud.Transient(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return cloud.Job{}, retries, err
	}
	return job, retries, nil
}
