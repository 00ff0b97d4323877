package review

import (
	"context"
	"errors"
	"time"

	"github.com/sprite-ai/p4review/internal/gateway"
	"github.com/sprite-ai/p4review/internal/model"
)

// Ledger outcomes.
const (
	outcomeNew    = "new"
	outcomeAmend  = "amend"
	outcomeCommit = "commit"
	outcomeNoop   = "noop"
)

// UpdateOption adjusts a single UpdateFromChange call.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	unapproveOnModify bool
}

// WithUnapproveOnModify overrides whether an approved review falls back to
// needsReview when the change brings different content. Trusted trigger
// updates pass false.
func WithUnapproveOnModify(on bool) UpdateOption {
	return func(o *updateOptions) { o.unapproveOnModify = on }
}

// UpdateFromChange records the current state of changelist changeID as the
// review's next version. Pending changes are copied to the review's
// canonical shelf; submitted changes are recorded as commits. The review
// is not saved.
func (e *Engine) UpdateFromChange(ctx context.Context, r *Review, changeID int, opts ...UpdateOption) error {
	o := updateOptions{unapproveOnModify: !e.cfg.KeepApprovalOnModify}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	defer func() { gatewayDuration.WithLabelValues("update").Observe(time.Since(start).Seconds()) }()

	cl, err := e.gw.FetchChangelist(ctx, changeID)
	if err != nil {
		return opError("update", r.id, changeID, err)
	}
	// Work on a copy so a failed gateway call leaves r untouched.
	next := r.clone()
	if next.author == "" {
		next.author = cl.User
		next.ensureAuthor()
	}
	if next.description == "" {
		next.description = cl.Description
	}
	allocated := next.id == 0
	if err := e.ensureID(ctx, next); err != nil {
		return err
	}

	outcome, diffResult, err := e.recordChange(ctx, next, cl)
	if err != nil {
		if allocated {
			e.releaseID(ctx, next.id)
		}
		return err
	}
	versionsRecorded.WithLabelValues(outcome).Inc()

	if outcome != outcomeAmend && outcome != outcomeNoop && diffResult.IsChange() &&
		o.unapproveOnModify && next.state == model.StateApproved {
		next.state = model.StateNeedsReview
		e.log.Info("review unapproved by modification", "review_id", next.id, "change", cl.ID)
	}

	*r = *next
	e.log.Info("recorded change", "review_id", r.id, "change", cl.ID, "outcome", outcome,
		"difference", diffResult.String(), "versions", len(r.versions))
	return nil
}

// recordChange applies one changelist event to the version ledger.
func (e *Engine) recordChange(ctx context.Context, r *Review, cl *gateway.Changelist) (string, model.Difference, error) {
	if cl.IsSubmitted() {
		return e.recordCommit(ctx, r, cl)
	}
	return e.recordPending(ctx, r, cl)
}

func (e *Engine) recordPending(ctx context.Context, r *Review, cl *gateway.Changelist) (string, model.Difference, error) {
	if err := r.AddChange(cl.ID); err != nil {
		return "", model.Identical, err
	}
	if cl.ID != r.id {
		if err := e.gw.Shelve(ctx, r.id, cl.ID); err != nil {
			return "", model.Identical, opError("shelve", r.id, cl.ID, err)
		}
	}

	last, hasLast := r.LatestVersion()
	var d model.Difference
	switch {
	case !hasLast:
		d = model.Changed(1)
	default:
		cmp, err := e.gw.DiffContent(ctx, last.ContentChange(), r.id)
		if err != nil {
			return "", model.Identical, opError("compare", r.id, cl.ID, err)
		}
		switch {
		case cmp.Unknown:
			d = model.UnknownDifference
		case cmp.Identical:
			d = model.Identical
		default:
			d = r.nextMarker()
		}
	}

	if hasLast && last.Pending && !d.IsChange() {
		amended := &r.versions[len(r.versions)-1]
		amended.User = cl.User
		amended.Time = cl.Time
		amended.Stream = cl.Stream
		return outcomeAmend, d, nil
	}

	archive, err := e.gw.Archive(ctx, r.id, cl.User)
	if err != nil {
		return "", model.Identical, opError("archive", r.id, cl.ID, err)
	}
	r.versions = append(r.versions, Version{
		Change:        r.id,
		ArchiveChange: archive,
		User:          cl.User,
		Time:          cl.Time,
		Pending:       true,
		Difference:    d,
		Stream:        cl.Stream,
	})
	return outcomeNew, d, nil
}

func (e *Engine) recordCommit(ctx context.Context, r *Review, cl *gateway.Changelist) (string, model.Difference, error) {
	for _, v := range r.versions {
		if !v.Pending && v.Change == cl.ID {
			return outcomeNoop, model.Identical, nil
		}
	}
	if err := r.AddCommit(cl.ID); err != nil {
		return "", model.Identical, err
	}

	last, hasLast := r.LatestVersion()
	// Reviews from before archiving have no copy of the pending content;
	// rescue one before the canonical shelf is cleared.
	if hasLast && last.Pending && last.ArchiveChange == 0 {
		source := r.id
		if !e.hasShelvedFiles(ctx, r.id) {
			source = cl.ID
		}
		archive, err := e.gw.Archive(ctx, source, last.User)
		if err != nil {
			return "", model.Identical, opError("archive", r.id, source, err)
		}
		r.versions[len(r.versions)-1].ArchiveChange = archive
		last.ArchiveChange = archive
		e.log.Info("rescued missing archive", "review_id", r.id, "archive", archive)
	}

	var d model.Difference
	if !hasLast {
		d = model.Changed(1)
	} else {
		cmp, err := e.gw.DiffContent(ctx, last.ContentChange(), cl.ID)
		if err != nil {
			return "", model.Identical, opError("compare", r.id, cl.ID, err)
		}
		switch {
		case cmp.Unknown:
			d = model.UnknownDifference
		case cmp.Identical:
			d = model.Identical
		default:
			d = r.nextMarker()
		}
	}

	v := Version{
		Change:     cl.ID,
		User:       cl.User,
		Time:       cl.Time,
		Pending:    false,
		Difference: d,
		Stream:     cl.Stream,
	}
	if cl.OriginalID != 0 && cl.OriginalID != cl.ID {
		v.OriginalChange = cl.OriginalID
	}
	r.versions = append(r.versions, v)

	if err := e.gw.DeleteShelf(ctx, r.id); err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return "", model.Identical, opError("delete shelf", r.id, r.id, err)
	}
	return outcomeCommit, d, nil
}

func (e *Engine) hasShelvedFiles(ctx context.Context, id int) bool {
	cl, err := e.gw.FetchChangelist(ctx, id)
	return err == nil && cl.IsShelved() && len(cl.Files) > 0
}

// clone returns a deep copy of r.
func (r *Review) clone() *Review {
	out := *r
	out.changes = append([]int(nil), r.changes...)
	out.commits = append([]int(nil), r.commits...)
	out.participants = r.Participants()
	out.versions = append([]Version(nil), r.versions...)
	out.testDetails = cloneMap(r.testDetails)
	out.deployDetails = cloneMap(r.deployDetails)
	out.commitStatus = cloneMap(r.commitStatus)
	out.projects = r.Projects()
	return &out
}
