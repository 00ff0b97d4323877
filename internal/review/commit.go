package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sprite-ai/p4review/internal/gateway"
)

// CommitOptions controls Commit.
type CommitOptions struct {
	// CreditAuthor rewrites the committed change's user to the review author.
	CreditAuthor bool
	// Description overrides the commit description; defaults to the review's.
	Description string
}

// Commit submits the review's canonical shelf from a pooled workspace,
// records the result as a version and saves the review. A failed submit
// leaves the review and its stored record untouched.
//
// When CreditAuthor is set and rewriting the user fails, the commit is
// still recorded and returned together with the error.
func (e *Engine) Commit(ctx context.Context, r *Review, opts CommitOptions) (*gateway.Changelist, error) {
	if e.pool == nil {
		return nil, errors.New("review engine: no workspace pool configured")
	}
	if r.id == 0 || !r.IsPending() {
		return nil, invalid(ErrInvalidState, "review %d has no pending version to commit", r.id)
	}

	start := time.Now()
	defer func() { gatewayDuration.WithLabelValues("commit").Observe(time.Since(start).Seconds()) }()

	ws, err := e.pool.Acquire(ctx)
	if err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return nil, opError("commit", r.id, 0, fmt.Errorf("%w: %v", gateway.ErrUnavailable, err))
	}
	defer e.pool.Release(ws)

	last, _ := r.LatestVersion()
	cleanup, err := e.prepareClient(ctx, ws, last.Stream)
	if err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return nil, opError("commit", r.id, 0, err)
	}
	defer cleanup()

	next := r.clone()
	final, target, err := e.submit(ctx, next, ws, opts)
	if err != nil {
		commitsTotal.WithLabelValues("failed").Inc()
		e.log.Warn("commit failed", "review_id", r.id, "error", err)
		return nil, err
	}

	var creditErr error
	if opts.CreditAuthor && next.author != "" {
		if err := e.gw.SetChangelistUser(ctx, final, next.author); err != nil {
			creditErr = opError("credit author", r.id, final, err)
			e.log.Warn("could not credit author", "review_id", r.id, "change", final, "error", err)
		}
	}

	cl, err := e.gw.FetchChangelist(ctx, final)
	if err != nil {
		cl = &gateway.Changelist{ID: final, User: e.cfg.ServiceUser, Time: e.now(), Status: gateway.StatusSubmitted}
		if opts.CreditAuthor && creditErr == nil {
			cl.User = next.author
		}
	}
	if final != target {
		cl.OriginalID = target
	}
	if cl.Stream == "" {
		cl.Stream = last.Stream
	}

	if _, _, err := e.recordCommit(ctx, next, cl); err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return cl, err
	}
	versionsRecorded.WithLabelValues(outcomeCommit).Inc()
	if err := e.Save(ctx, next); err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return cl, err
	}
	*r = *next

	commitsTotal.WithLabelValues("ok").Inc()
	e.log.Info("review committed", "review_id", r.id, "change", cl.ID, "original", cl.Original(), "client", ws.Name)
	return cl, creditErr
}

// submit creates a change on ws, unshelves the review into it and submits
// it, returning the final and the originally created change ids. On
// failure the created change is reverted.
func (e *Engine) submit(ctx context.Context, r *Review, ws *gateway.Workspace, opts CommitOptions) (final, target int, err error) {
	desc := opts.Description
	if desc == "" {
		desc = r.description
	}
	target, err = e.gw.CreateChangelist(ctx, gateway.NewChange{Description: desc, User: e.cfg.ServiceUser, Client: ws.Name})
	if err != nil {
		return 0, 0, opError("commit", r.id, 0, err)
	}
	r.commitStatus = map[string]any{"change": target, "status": "Committing", "start": e.now().Unix()}

	fail := func(op string, err error) error {
		if rerr := e.gw.Revert(ctx, ws.Name, target); rerr != nil {
			e.log.Warn("revert after failed commit", "review_id", r.id, "change", target, "error", rerr)
		}
		if errors.Is(err, gateway.ErrUnavailable) {
			return opError(op, r.id, target, err)
		}
		return &OpError{Op: op, Review: r.id, Change: target, Kind: ErrCommitFailed, Err: err}
	}

	if err := e.gw.Unshelve(ctx, ws.Name, r.id, target); err != nil {
		return 0, 0, fail("unshelve", err)
	}
	final, err = e.gw.Submit(ctx, ws.Name, target)
	if err != nil {
		return 0, 0, fail("submit", err)
	}
	return final, target, nil
}

// prepareClient makes ws usable for stream, creating a temporary client
// when the workspace's client is gone. The returned cleanup removes it.
func (e *Engine) prepareClient(ctx context.Context, ws *gateway.Workspace, stream string) (func(), error) {
	noop := func() {}
	client, err := e.gw.FetchClient(ctx, ws.Name)
	switch {
	case err == nil:
		if stream != "" && client.Stream != stream {
			client.Stream = stream
			if err := e.gw.SaveClient(ctx, *client); err != nil {
				return noop, err
			}
		}
		return noop, nil
	case !errors.Is(err, gateway.ErrNotFound):
		return noop, err
	}

	temp := gateway.Client{Name: ws.Name, Owner: e.cfg.ServiceUser, Root: ws.Root}
	if stream != "" {
		s, err := e.gw.ResolveStream(ctx, stream)
		if err != nil {
			return noop, err
		}
		temp.Stream = s.Path
	} else {
		temp.View = []string{fmt.Sprintf("//... //%s/...", ws.Name)}
	}
	if err := e.gw.SaveClient(ctx, temp); err != nil {
		return noop, err
	}
	e.log.Info("created temporary client", "client", ws.Name, "stream", stream)
	return func() {
		if err := e.gw.DeleteClient(context.WithoutCancel(ctx), ws.Name); err != nil {
			e.log.Warn("delete temporary client", "client", ws.Name, "error", err)
		}
	}, nil
}
