package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
)

// OwnedPartitions are the sub-collections deleted together with a profile.
var OwnedPartitions = []string{"sales", "pitches", "clients", "goals", "plannings"}

// maxBatch bounds the ops of one delete batch.
const maxBatch = 400

// cascadeStep is one partition of a cascade delete.
type cascadeStep struct {
	name string
	ops  []port.WriteOp
}

// DeleteMember removes a profile and everything it owns: its sub-collections,
// the appointments it owns, its tag on other appointments and every
// teamMembers edge pointing at it. The steps run as independent batches;
// when one fails the rest still run, the profile document itself is kept
// for a retry and *domain.ErrPartialCascade lists what failed.
func (s *MemberService) DeleteMember(ctx context.Context, callerUID, targetUID string) error {
	ctx, span := tracer.Start(ctx, "MemberService.DeleteMember")
	defer span.End()
	span.SetAttributes(attribute.String("target.uid", targetUID))

	if callerUID == targetUID {
		return &domain.ErrForbidden{Action: "delete your own profile"}
	}
	caller, err := s.caller(ctx, callerUID)
	if err != nil {
		return err
	}
	t, err := s.target(ctx, caller, targetUID, "delete members")
	if err != nil {
		return err
	}

	steps, failed, firstErr := s.planCascade(ctx, t)
	for _, step := range steps {
		if err := s.runStep(ctx, step); err != nil {
			s.logger.Error("cascade step failed", zap.String("uid", t.ID), zap.String("partition", step.name), zap.Error(err))
			failed = append(failed, step.name)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(failed) > 0 {
		s.metrics.IncrCascadeFailure()
		return &domain.ErrPartialCascade{UID: t.ID, Failed: failed, Err: firstErr}
	}

	if err := s.store.Delete(ctx, port.DocPath("users", t.ID)); err != nil {
		s.metrics.IncrCascadeFailure()
		return &domain.ErrPartialCascade{UID: t.ID, Failed: []string{"profile"}, Err: err}
	}
	if s.enroller != nil {
		if err := s.enroller.Remove(ctx, t.ID); err != nil {
			s.logger.Warn("remove credentials failed", zap.String("uid", t.ID), zap.Error(err))
		}
	}
	s.logger.Info("member deleted", zap.String("uid", t.ID), zap.String("by", caller.ID))
	return nil
}

// planCascade reads every partition in parallel and turns the results into
// write steps. Partitions whose read failed are reported as failed.
func (s *MemberService) planCascade(ctx context.Context, t domain.Profile) ([]cascadeStep, []string, error) {
	type read struct {
		name  string
		query port.Query
		build func([]port.Document) []port.WriteOp
	}
	deleteAll := func(docs []port.Document) []port.WriteOp {
		ops := make([]port.WriteOp, len(docs))
		for i, d := range docs {
			ops[i] = port.WriteOp{Kind: port.WriteDelete, Path: d.Path}
		}
		return ops
	}

	var reads []read
	for _, name := range OwnedPartitions {
		reads = append(reads, read{
			name:  name,
			query: port.Query{Collection: port.DocPath("users", t.ID, name)},
			build: deleteAll,
		})
	}
	reads = append(reads,
		read{
			name:  "appointments",
			query: port.Query{Collection: "appointments", Filters: []port.Filter{port.Eq("companyId", t.CompanyID), port.Eq("ownerId", t.ID)}},
			build: deleteAll,
		},
		read{
			name:  "appointmentTags",
			query: port.Query{Collection: "appointments", Filters: []port.Filter{port.Eq("companyId", t.CompanyID), port.Contains("taggedUsers", t.ID)}},
			build: func(docs []port.Document) []port.WriteOp {
				ops := make([]port.WriteOp, len(docs))
				for i, d := range docs {
					ops[i] = port.WriteOp{Kind: port.WriteArrayRemove, Path: d.Path, Field: "taggedUsers", Values: []string{t.ID}}
				}
				return ops
			},
		},
		read{
			name:  "teamEdges",
			query: port.Query{Collection: "users", Filters: []port.Filter{port.Eq("companyId", t.CompanyID)}},
			build: func(docs []port.Document) []port.WriteOp {
				return edgeRemovals(docs, t.Email)
			},
		},
	)

	var (
		mu       sync.Mutex
		steps    []cascadeStep
		failed   []string
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, r := range reads {
		r := r
		g.Go(func() error {
			docs, err := s.store.List(gctx, r.query)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, r.name)
				if firstErr == nil {
					firstErr = fmt.Errorf("list %s: %w", r.name, err)
				}
				return nil
			}
			if ops := r.build(docs); len(ops) > 0 {
				steps = append(steps, cascadeStep{name: r.name, ops: ops})
			}
			return nil
		})
	}
	_ = g.Wait()

	// Deterministic order: the order partitions were declared in.
	rank := make(map[string]int, len(reads))
	for i, r := range reads {
		rank[r.name] = i
	}
	sort.Slice(steps, func(i, j int) bool { return rank[steps[i].name] < rank[steps[j].name] })
	sort.Slice(failed, func(i, j int) bool { return rank[failed[i]] < rank[failed[j]] })
	return steps, failed, firstErr
}

func (s *MemberService) runStep(ctx context.Context, step cascadeStep) error {
	for start := 0; start < len(step.ops); start += maxBatch {
		end := start + maxBatch
		if end > len(step.ops) {
			end = len(step.ops)
		}
		if err := s.store.BatchWrite(ctx, step.ops[start:end]); err != nil {
			return fmt.Errorf("delete %s: %w", step.name, err)
		}
	}
	return nil
}

// edgeRemovals removes every teamMembers reference to email, matching the
// stored spelling so case variants are dropped too.
func edgeRemovals(docs []port.Document, email string) []port.WriteOp {
	target := domain.NormalizeEmail(email)
	var ops []port.WriteOp
	for _, d := range docs {
		var p domain.Profile
		if err := d.Decode(&p); err != nil {
			continue
		}
		var refs []string
		for _, ref := range p.TeamMembers {
			if domain.NormalizeEmail(ref) == target {
				refs = append(refs, ref)
			}
		}
		if len(refs) > 0 {
			ops = append(ops, port.WriteOp{Kind: port.WriteArrayRemove, Path: d.Path, Field: "teamMembers", Values: refs})
		}
	}
	return ops
}
