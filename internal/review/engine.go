package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sprite-ai/p4review/internal/diff"
	"github.com/sprite-ai/p4review/internal/gateway"
	"github.com/sprite-ai/p4review/internal/model"
	"github.com/sprite-ai/p4review/internal/store"
)

// Config wires an Engine to its collaborators.
type Config struct {
	Gateway gateway.Gateway
	Store   store.Store
	Pool    gateway.WorkspacePool
	Logger  *slog.Logger

	// OptimisticLocking makes Save fail with ErrConcurrencyConflict when
	// the record changed since it was fetched.
	OptimisticLocking bool
	// KeepApprovalOnModify disables moving approved reviews back to
	// needsReview when new content arrives.
	KeepApprovalOnModify bool
	// ServiceUser owns temporary commit clients.
	ServiceUser string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine runs review operations against a gateway and a record store.
// It holds no per-review state; a Review is only persisted by Save.
type Engine struct {
	gw    gateway.Gateway
	store store.Store
	pool  gateway.WorkspacePool
	log   *slog.Logger
	cfg   Config
}

// NewEngine returns an engine for cfg. Gateway and Store are required.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("review engine: gateway is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("review engine: store is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		gw:    cfg.Gateway,
		store: cfg.Store,
		pool:  cfg.Pool,
		log:   log.With("component", "review"),
		cfg:   cfg,
	}, nil
}

func (e *Engine) now() time.Time {
	return e.cfg.Now().UTC().Truncate(time.Second)
}

// CreateFromChange starts an unsaved review from a changelist. Versions
// are recorded by UpdateFromChange.
func (e *Engine) CreateFromChange(ctx context.Context, changeID int) (*Review, error) {
	cl, err := e.gw.FetchChangelist(ctx, changeID)
	if err != nil {
		return nil, opError("create", 0, changeID, err)
	}
	r := New(cl.User, cl.Description)
	if err := r.AddChange(cl.ID); err != nil {
		return nil, err
	}
	return r, nil
}

// ensureID allocates the review's canonical shelf, whose number becomes
// the review id.
func (e *Engine) ensureID(ctx context.Context, r *Review) error {
	if r.id != 0 {
		return nil
	}
	id, err := e.gw.CreateChangelist(ctx, gateway.NewChange{Description: r.description, User: r.author})
	if err != nil {
		return opError("allocate", 0, 0, err)
	}
	r.id = id
	e.log.Debug("allocated review id", "review_id", id)
	return nil
}

// releaseID deletes a canonical shelf allocated for a review that was
// never recorded.
func (e *Engine) releaseID(ctx context.Context, id int) {
	if err := e.gw.DeleteChangelist(context.WithoutCancel(ctx), id); err != nil {
		e.log.Warn("delete unused review change", "change", id, "error", err)
		return
	}
	e.log.Debug("released review id", "review_id", id)
}

// Save persists r. It assigns the id and token on first save and always
// writes the record at UpgradeLevel.
func (e *Engine) Save(ctx context.Context, r *Review) error {
	if err := e.ensureID(ctx, r); err != nil {
		reviewsSaved.WithLabelValues("error").Inc()
		return err
	}
	if r.token == "" {
		r.token = uuid.NewString()
	}
	now := e.now()
	if r.created.IsZero() {
		r.created = now
	}
	r.updated = now
	r.upgrade = UpgradeLevel
	r.ensureAuthor()

	data, err := json.Marshal(r.toRecord())
	if err != nil {
		reviewsSaved.WithLabelValues("error").Inc()
		return fmt.Errorf("encode review %d: %w", r.id, err)
	}
	var expected int64
	if e.cfg.OptimisticLocking {
		expected = r.storeVersion
	}
	version, err := e.store.Put(ctx, store.Record{ID: int64(r.id), Value: data, Fields: r.indexFields()}, expected)
	if err != nil {
		reviewsSaved.WithLabelValues("error").Inc()
		return opError("save", r.id, 0, err)
	}
	r.storeVersion = version
	reviewsSaved.WithLabelValues("ok").Inc()
	e.log.Info("review saved", "review_id", r.id, "state", r.state, "versions", len(r.versions))
	return nil
}

// Fetch loads review id, upgrading legacy records on the way.
func (e *Engine) Fetch(ctx context.Context, id int) (*Review, error) {
	rec, err := e.store.Get(ctx, int64(id))
	if err != nil {
		return nil, opError("fetch", id, 0, err)
	}
	return e.decode(ctx, rec)
}

func (e *Engine) decode(ctx context.Context, rec *store.Record) (*Review, error) {
	id := int(rec.ID)
	var raw map[string]any
	if err := json.Unmarshal(rec.Value, &raw); err != nil {
		return nil, fmt.Errorf("decode review %d: %w", id, err)
	}
	if _, ok := raw["id"]; !ok {
		raw["id"] = id
	}
	from, err := Upgrade(ctx, raw, e.gw)
	if err != nil {
		return nil, err
	}
	if from < UpgradeLevel {
		e.log.Info("upgraded legacy review", "review_id", id, "from", from, "to", UpgradeLevel)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode review %d: %w", id, err)
	}
	var current record
	if err := json.Unmarshal(data, &current); err != nil {
		return nil, fmt.Errorf("decode review %d: %w", id, err)
	}
	r := fromRecord(current)
	r.upgrade = from
	r.storeVersion = rec.Version
	return r, nil
}

// Delete removes review id. Fetching it afterwards fails with ErrNotFound.
func (e *Engine) Delete(ctx context.Context, id int) error {
	if err := e.store.Delete(ctx, int64(id)); err != nil {
		return opError("delete", id, 0, err)
	}
	e.log.Info("review deleted", "review_id", id)
	return nil
}

// Filter selects reviews. Empty fields do not constrain. Keyword terms are
// matched verbatim against the lowercased index.
type Filter struct {
	Keywords     string
	Author       string
	Participants []string
	States       []model.State
	Project      string
	TestStatus   string
	HasReviewer  *bool
	Pending      *bool
	Type         string
	Limit        int
}

func (f Filter) query() store.Query {
	q := store.Query{Limit: f.Limit}
	for _, term := range strings.Fields(f.Keywords) {
		q = q.Where(FieldKeywords, term)
	}
	if f.Author != "" {
		q = q.Where(FieldAuthor, f.Author)
	}
	for _, p := range f.Participants {
		q = q.Where(FieldParticipants, p)
	}
	if len(f.States) > 0 {
		terms := make([]string, len(f.States))
		for i, s := range f.States {
			terms[i] = string(s)
		}
		q = q.Where(FieldState, terms...)
	}
	if f.Project != "" {
		q = q.Where(FieldProject, f.Project)
	}
	if f.TestStatus != "" {
		q = q.Where(FieldTestStatus, f.TestStatus)
	}
	if f.HasReviewer != nil {
		q = q.Where(FieldHasReviewer, boolTerm(*f.HasReviewer))
	}
	if f.Pending != nil {
		q = q.Where(FieldPending, boolTerm(*f.Pending))
	}
	if f.Type != "" {
		q = q.Where(FieldType, f.Type)
	}
	return q
}

// SearchIDs returns matching review ids, newest first.
func (e *Engine) SearchIDs(ctx context.Context, f Filter) ([]int, error) {
	ids, err := e.store.Search(ctx, f.query())
	if err != nil {
		return nil, opError("search", 0, 0, err)
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Search returns matching reviews, newest first.
func (e *Engine) Search(ctx context.Context, f Filter) ([]*Review, error) {
	ids, err := e.SearchIDs(ctx, f)
	if err != nil {
		return nil, err
	}
	reviews := make([]*Review, 0, len(ids))
	for _, id := range ids {
		r, err := e.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, nil
}

// DiffVersions diffs two 1-based versions of r. Version 0 is the depot
// content the first version is based on.
func (e *Engine) DiffVersions(ctx context.Context, r *Review, from, to int) (*diff.DiffSet, error) {
	if to < 1 || to > len(r.versions) || from < 0 || from > len(r.versions) {
		return nil, invalid(ErrInvalidArgument, "versions %d..%d out of range 0..%d", from, to, len(r.versions))
	}
	right := r.versions[to-1].ContentChange()
	left := 0
	if from > 0 {
		left = r.versions[from-1].ContentChange()
	}

	start := time.Now()
	raw, err := e.gw.DiffUnified(ctx, left, right)
	gatewayDuration.WithLabelValues("diff").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, opError("diff", r.id, right, err)
	}
	ds, err := diff.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse diff for review %d: %w", r.id, err)
	}
	return ds, nil
}

// UpgradeAll re-saves every record below UpgradeLevel, at most
// concurrency at a time. It returns the number of records upgraded.
func (e *Engine) UpgradeAll(ctx context.Context, concurrency int) (int, error) {
	ids, err := e.store.Search(ctx, store.Query{})
	if err != nil {
		return 0, opError("upgrade", 0, 0, err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var upgraded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		id := int(id)
		g.Go(func() error {
			r, err := e.Fetch(gctx, id)
			if err != nil {
				return err
			}
			if r.upgrade >= UpgradeLevel {
				return nil
			}
			if err := e.Save(gctx, r); err != nil {
				return err
			}
			upgraded.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(upgraded.Load()), err
}
