package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sprite-ai/p4review/internal/diff"
	"github.com/sprite-ai/p4review/internal/gateway"
	"github.com/sprite-ai/p4review/internal/model"
	"github.com/sprite-ai/p4review/internal/review"
)

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// renderReview is ToArray plus computed votes when no projection is asked for.
func renderReview(rv *review.Review, fields []string) map[string]any {
	out := rv.ToArray(fields...)
	if len(fields) == 0 {
		out["votes"] = rv.Votes()
	}
	return out
}

func fieldList(r *http.Request) []string {
	raw := r.URL.Query().Get("fields")
	if raw == "" {
		return nil
	}
	var fields []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func (s *Server) loadReview(w http.ResponseWriter, r *http.Request) (*review.Review, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid review id")
		return nil, false
	}
	rv, err := s.engine.Fetch(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	return rv, true
}

// --- Search ---

func parseBoolParam(v string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := review.Filter{
		Keywords:     q.Get("keywords"),
		Author:       q.Get("author"),
		Participants: q["participant"],
		Project:      q.Get("project"),
		TestStatus:   q.Get("testStatus"),
		Type:         q.Get("type"),
	}
	for _, st := range q["state"] {
		f.States = append(f.States, model.State(st))
	}
	var err error
	if f.HasReviewer, err = parseBoolParam(q.Get("hasReviewers")); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid hasReviewers: "+err.Error())
		return
	}
	if f.Pending, err = parseBoolParam(q.Get("pending")); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid pending: "+err.Error())
		return
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	reviews, err := s.engine.Search(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	fields := fieldList(r)
	out := make([]map[string]any, 0, len(reviews))
	for _, rv := range reviews {
		out = append(out, renderReview(rv, fields))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reviews": out, "total": len(out)})
}

// --- Create ---

type createRequest struct {
	Change       int      `json:"change"`
	Participants []string `json:"participants,omitempty"`
	Description  string   `json:"description,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Change <= 0 {
		s.writeError(w, http.StatusBadRequest, "change is required")
		return
	}

	ctx := r.Context()
	rv, err := s.engine.CreateFromChange(ctx, req.Change)
	if err != nil {
		s.fail(w, err)
		return
	}
	if req.Description != "" {
		rv.SetDescription(req.Description)
	}
	if err := rv.AddParticipants(req.Participants...); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.engine.UpdateFromChange(ctx, rv, req.Change); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.engine.Save(ctx, rv); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, renderReview(rv, nil))
}

// --- Get / Delete ---

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rv, ok := s.loadReview(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, renderReview(rv, fieldList(r)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid review id")
		return
	}
	if err := s.engine.Delete(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Update from change ---

type updateRequest struct {
	Change            int   `json:"change"`
	UnapproveOnModify *bool `json:"unapproveOnModify,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Change <= 0 {
		s.writeError(w, http.StatusBadRequest, "change is required")
		return
	}
	rv, ok := s.loadReview(w, r)
	if !ok {
		return
	}
	var opts []review.UpdateOption
	if req.UnapproveOnModify != nil {
		opts = append(opts, review.WithUnapproveOnModify(*req.UnapproveOnModify))
	}
	if err := s.engine.UpdateFromChange(r.Context(), rv, req.Change, opts...); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.engine.Save(r.Context(), rv); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, renderReview(rv, nil))
}

// --- Participants and votes ---

type participantsRequest struct {
	Users    []string `json:"users"`
	Required bool     `json:"required,omitempty"`
	Remove   bool     `json:"remove,omitempty"`
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	var req participantsRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	rv, ok := s.loadReview(w, r)
	if !ok {
		return
	}
	for _, u := range req.Users {
		var err error
		switch {
		case req.Remove:
			err = rv.RemoveParticipant(u)
		case req.Required:
			err = rv.AddParticipant(u, map[string]any{"required": true})
		default:
			err = rv.AddParticipants(u)
		}
		if err != nil {
			s.fail(w, err)
			return
		}
	}
	if err := s.engine.Save(r.Context(), rv); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, renderReview(rv, nil))
}

// statusUpdate is a CI result; a nil section leaves that status alone.
type statusUpdate struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

type statusRequest struct {
	Test   *statusUpdate `json:"test,omitempty"`
	Deploy *statusUpdate `json:"deploy,omitempty"`
}

// handleStatus records test and deploy results reported by CI.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Test == nil && req.Deploy == nil {
		s.writeError(w, http.StatusBadRequest, "test or deploy status is required")
		return
	}
	rv, ok := s.loadReview(w, r)
	if !ok {
		return
	}
	if req.Test != nil {
		rv.SetTestStatus(req.Test.Status, req.Test.Details)
	}
	if req.Deploy != nil {
		rv.SetDeployStatus(req.Deploy.Status, req.Deploy.Details)
	}
	if err := s.engine.Save(r.Context(), rv); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, renderReview(rv, nil))
}

type voteRequest struct {
	User    string `json:"user"`
	Value   any    `json:"value"`
	Version *int   `json:"version,omitempty"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	rv, ok := s.loadReview(w, r)
	if !ok {
		return
	}
	var err error
	if req.Version != nil {
		err = rv.SetVoteAt(req.User, req.Value, *req.Version)
	} else {
		err = rv.SetVote(req.User, req.Value)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.engine.Save(r.Context(), rv); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"votes": rv.Votes()})
}

func (s *Server) handleClearVote(w http.ResponseWriter, r *http.Request) {
	rv, ok := s.loadReview(w, r)
	if !ok {
		return
	}
	rv.ClearVote(r.PathValue("user"))
	if err := s.engine.Save(r.Context(), rv); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"votes": rv.Votes()})
}

// --- State and commit ---

type commitRequest struct {
	CreditAuthor bool   `json:"creditAuthor,omitempty"`
	Description  string `json:"description,omitempty"`
}

type stateRequest struct {
	State string `json:"state"`
	commitRequest
}

type commitResponse struct {
	Review map[string]any `json:"review"`
	Commit int            `json:"commit,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	rv, ok := s.loadReview(w, r)
	if !ok {
		return
	}
	opts := review.CommitOptions{CreditAuthor: req.CreditAuthor, Description: req.Description}
	cl, err := s.engine.Transition(r.Context(), rv, req.State, opts)
	s.writeCommitResult(w, rv, cl, err)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	rv, ok := s.loadReview(w, r)
	if !ok {
		return
	}
	cl, err := s.engine.Commit(r.Context(), rv, review.CommitOptions{CreditAuthor: req.CreditAuthor, Description: req.Description})
	s.writeCommitResult(w, rv, cl, err)
}

// writeCommitResult reports a commit that went through even when a
// follow-up step such as crediting the author failed.
func (s *Server) writeCommitResult(w http.ResponseWriter, rv *review.Review, cl *gateway.Changelist, err error) {
	if err != nil && cl == nil {
		s.fail(w, err)
		return
	}
	resp := commitResponse{Review: renderReview(rv, nil)}
	if cl != nil {
		resp.Commit = cl.ID
	}
	if err != nil {
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- Diff ---

type fileJSON struct {
	Name      string `json:"name"`
	OldName   string `json:"old_name,omitempty"`
	NewName   string `json:"new_name,omitempty"`
	IsNew     bool   `json:"is_new,omitempty"`
	IsDeleted bool   `json:"is_deleted,omitempty"`
	IsRenamed bool   `json:"is_renamed,omitempty"`
	IsBinary  bool   `json:"is_binary,omitempty"`
	Added     int    `json:"added"`
	Deleted   int    `json:"deleted"`
}

type diffResponse struct {
	From  int        `json:"from"`
	To    int        `json:"to"`
	Files []fileJSON `json:"files"`
	Stats struct {
		Files   int `json:"files"`
		Added   int `json:"added"`
		Deleted int `json:"deleted"`
	} `json:"stats"`
	Raw string `json:"raw,omitempty"`
}

func toFileJSON(f *diff.File) fileJSON {
	return fileJSON{
		Name:      f.Name(),
		OldName:   f.OldName,
		NewName:   f.NewName,
		IsNew:     f.IsNew,
		IsDeleted: f.IsDeleted,
		IsRenamed: f.IsRenamed,
		IsBinary:  f.IsBinary,
		Added:     f.AddedLines,
		Deleted:   f.DeletedLines,
	}
}

// handleDiff diffs two versions. Defaults to the latest version against
// the one before it.
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	rv, ok := s.loadReview(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	to := len(rv.Versions())
	if v := q.Get("to"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid to")
			return
		}
		to = n
	}
	from := to - 1
	if v := q.Get("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid from")
			return
		}
		from = n
	}

	ds, err := s.engine.DiffVersions(r.Context(), rv, from, to)
	if err != nil {
		s.fail(w, err)
		return
	}
	switch path := q.Get("path"); {
	case path == "":
	case strings.HasSuffix(path, "..."):
		ds = ds.Under(path)
	default:
		f := ds.File(path)
		if f == nil {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("%s is not changed between v%d and v%d", path, from, to))
			return
		}
		ds = &diff.DiffSet{Files: []*diff.File{f}}
	}

	resp := diffResponse{From: from, To: to, Files: make([]fileJSON, 0, len(ds.Files))}
	for _, f := range ds.Files {
		resp.Files = append(resp.Files, toFileJSON(f))
	}
	resp.Stats.Files, resp.Stats.Added, resp.Stats.Deleted = ds.Stats()
	if q.Get("raw") != "false" {
		resp.Raw = ds.Raw
	}
	s.writeJSON(w, http.StatusOK, resp)
}
