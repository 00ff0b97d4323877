// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sprite-ai/p4review/internal/gateway"
)

type fileState struct {
	deleted bool
	data    string
}

type change struct {
	cl     gateway.Changelist
	shelf  map[string]fileState
	opened map[string]fileState
	// content and base are set at submit time.
	content map[string]fileState
	base    map[string]fileState
}

// Depot is an in-memory depot. The zero value is not usable; call New.
type Depot struct {
	// RenumberOnSubmit makes Submit assign a fresh id to the committed change.
	RenumberOnSubmit bool
	// Unavailable makes every call fail with gateway.ErrUnavailable.
	Unavailable bool
	// RejectSubmit makes Submit fail with gateway.ErrSubmitRejected.
	RejectSubmit bool
	// FailShelve makes Shelve fail with gateway.ErrUnavailable.
	FailShelve bool
	// FailSetUser makes SetChangelistUser fail with gateway.ErrUnavailable.
	FailSetUser bool
	// UnknownCompare makes DiffContent report an unknown comparison.
	UnknownCompare bool

	mu      sync.Mutex
	next    int
	now     time.Time
	changes map[int]*change
	aliases map[int]int
	head    map[string]fileState
	clients map[string]*gateway.Client
	streams map[string]*gateway.Stream
	calls   []string
}

// New returns an empty depot whose clock starts at a fixed instant.
func New() *Depot {
	return &Depot{
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		changes: map[int]*change{},
		aliases: map[int]int{},
		head:    map[string]fileState{},
		clients: map[string]*gateway.Client{},
		streams: map[string]*gateway.Stream{},
	}
}

var _ gateway.Gateway = (*Depot)(nil)

// Calls returns the names of gateway methods invoked so far.
func (d *Depot) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *Depot) enter(op string) error {
	d.calls = append(d.calls, op)
	if d.Unavailable {
		return fmt.Errorf("%s: %w", op, gateway.ErrUnavailable)
	}
	return nil
}

func (d *Depot) tick() time.Time {
	d.now = d.now.Add(time.Minute)
	return d.now
}

func (d *Depot) alloc() int {
	d.next++
	return d.next
}

func (d *Depot) lookup(id int) (*change, error) {
	if alias, ok := d.aliases[id]; ok {
		id = alias
	}
	c, ok := d.changes[id]
	if !ok {
		return nil, fmt.Errorf("change %d: %w", id, gateway.ErrNotFound)
	}
	return c, nil
}

func (d *Depot) newChange(user, desc, client string) *change {
	id := d.alloc()
	c := &change{
		cl: gateway.Changelist{
			ID:          id,
			Description: desc,
			User:        user,
			Client:      client,
			Time:        d.tick(),
			Status:      gateway.StatusPending,
		},
	}
	if cl, ok := d.clients[client]; ok {
		c.cl.Stream = cl.Stream
	}
	d.changes[id] = c
	return c
}

func toFiles(files map[string]string) map[string]fileState {
	out := make(map[string]fileState, len(files))
	for path, data := range files {
		out[path] = fileState{data: data}
	}
	return out
}

func copyFiles(files map[string]fileState) map[string]fileState {
	out := make(map[string]fileState, len(files))
	for k, v := range files {
		out[k] = v
	}
	return out
}

// CreatePending creates a pending change owned by user with files shelved.
func (d *Depot) CreatePending(user, desc string, files map[string]string) int {
	return d.CreatePendingOn(user+"-ws", user, desc, files)
}

// CreatePendingOn is CreatePending with an explicit client.
func (d *Depot) CreatePendingOn(client, user, desc string, files map[string]string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.newChange(user, desc, client)
	c.shelf = toFiles(files)
	if len(c.shelf) > 0 {
		c.cl.Status = gateway.StatusShelved
	}
	return c.cl.ID
}

// Reshelve replaces the shelved content of a pending change, as an author
// updating their work would.
func (d *Depot) Reshelve(id int, files map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.changes[id]
	c.shelf = toFiles(files)
	c.cl.Status = gateway.StatusShelved
	c.cl.Time = d.tick()
}

// ShelveDelete marks path as deleted in a pending change's shelf.
func (d *Depot) ShelveDelete(id int, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.changes[id]
	if c.shelf == nil {
		c.shelf = map[string]fileState{}
	}
	c.shelf[path] = fileState{deleted: true}
	c.cl.Status = gateway.StatusShelved
}

// SubmitPending commits a pending change's shelved content directly, as an
// author submitting from their own workspace would. It honors
// RenumberOnSubmit.
func (d *Depot) SubmitPending(id int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.changes[id]
	return d.commit(c, copyFiles(c.shelf))
}

// SubmitChange creates and commits a change in one step.
func (d *Depot) SubmitChange(user, desc string, files map[string]string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.newChange(user, desc, user+"-ws")
	return d.commit(c, toFiles(files))
}

func (d *Depot) commit(c *change, files map[string]fileState) int {
	c.base = map[string]fileState{}
	for path := range files {
		if prev, ok := d.head[path]; ok {
			c.base[path] = prev
		}
	}
	for path, f := range files {
		if f.deleted {
			delete(d.head, path)
			continue
		}
		d.head[path] = f
	}
	c.content = files
	c.shelf = nil
	c.opened = nil
	c.cl.Status = gateway.StatusSubmitted
	c.cl.Time = d.tick()

	if d.RenumberOnSubmit {
		old := c.cl.ID
		id := d.alloc()
		delete(d.changes, old)
		c.cl.OriginalID = old
		c.cl.ID = id
		d.changes[id] = c
		d.aliases[old] = id
	}
	return c.cl.ID
}

// AddClient registers a client workspace.
func (d *Depot) AddClient(c gateway.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := c
	d.clients[c.Name] = &cp
}

// AddStream registers a stream.
func (d *Depot) AddStream(s gateway.Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := s
	d.streams[s.Path] = &cp
}

// HasClient reports whether a client exists.
func (d *Depot) HasClient(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.clients[name]
	return ok
}

// Head returns the current content of a depot file.
func (d *Depot) Head(path string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.head[path]
	return f.data, ok
}

// HasShelf reports whether a change still has shelved files.
func (d *Depot) HasShelf(id int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.lookup(id)
	return err == nil && len(c.shelf) > 0
}

// Exists reports whether a change exists.
func (d *Depot) Exists(id int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.lookup(id)
	return err == nil
}

func (c *change) files() map[string]fileState {
	if c.cl.Status == gateway.StatusSubmitted {
		return c.content
	}
	return c.shelf
}

func digest(data string) string {
	sum := md5.Sum([]byte(data))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (d *Depot) FetchChangelist(_ context.Context, id int) (*gateway.Changelist, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("FetchChangelist"); err != nil {
		return nil, err
	}
	c, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	cl := c.cl
	cl.Files = nil
	paths := sortedPaths(c.files())
	for _, path := range paths {
		f := c.files()[path]
		gf := gateway.File{DepotPath: path, Action: "edit", Type: "text"}
		switch {
		case f.deleted:
			gf.Action = "delete"
		case c.cl.Status == gateway.StatusSubmitted:
			if _, ok := c.base[path]; !ok {
				gf.Action = "add"
			}
		default:
			if _, ok := d.head[path]; !ok {
				gf.Action = "add"
			}
		}
		if !f.deleted {
			gf.Digest = digest(f.data)
		}
		cl.Files = append(cl.Files, gf)
	}
	return &cl, nil
}

func (d *Depot) CreateChangelist(_ context.Context, nc gateway.NewChange) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("CreateChangelist"); err != nil {
		return 0, err
	}
	return d.newChange(nc.User, nc.Description, nc.Client).cl.ID, nil
}

func (d *Depot) DeleteChangelist(_ context.Context, id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("DeleteChangelist"); err != nil {
		return err
	}
	c, err := d.lookup(id)
	if err != nil {
		return err
	}
	if c.cl.Status == gateway.StatusSubmitted {
		return fmt.Errorf("change %d is already submitted", id)
	}
	delete(d.changes, c.cl.ID)
	return nil
}

func (d *Depot) SetChangelistUser(_ context.Context, id int, user string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("SetChangelistUser"); err != nil {
		return err
	}
	if d.FailSetUser {
		return fmt.Errorf("change %d: %w: permission denied", id, gateway.ErrUnavailable)
	}
	c, err := d.lookup(id)
	if err != nil {
		return err
	}
	c.cl.User = user
	return nil
}

func (d *Depot) Shelve(_ context.Context, target, source int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Shelve"); err != nil {
		return err
	}
	if d.FailShelve {
		return fmt.Errorf("shelve %d into %d: %w: connection reset", source, target, gateway.ErrUnavailable)
	}
	src, err := d.lookup(source)
	if err != nil {
		return err
	}
	dst, err := d.lookup(target)
	if err != nil {
		return err
	}
	if dst.cl.Status == gateway.StatusSubmitted {
		return fmt.Errorf("change %d is already submitted", target)
	}
	dst.shelf = copyFiles(src.files())
	dst.cl.Status = gateway.StatusShelved
	return nil
}

func (d *Depot) Unshelve(_ context.Context, client string, source, target int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Unshelve"); err != nil {
		return err
	}
	if _, ok := d.clients[client]; !ok {
		return fmt.Errorf("client %s: %w", client, gateway.ErrNotFound)
	}
	src, err := d.lookup(source)
	if err != nil {
		return err
	}
	dst, err := d.lookup(target)
	if err != nil {
		return err
	}
	if len(src.shelf) == 0 {
		return fmt.Errorf("change %d has no shelved files", source)
	}
	dst.opened = copyFiles(src.shelf)
	return nil
}

func (d *Depot) DeleteShelf(_ context.Context, id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("DeleteShelf"); err != nil {
		return err
	}
	c, err := d.lookup(id)
	if err != nil {
		return err
	}
	if c.cl.Status == gateway.StatusSubmitted {
		return nil
	}
	c.shelf = nil
	c.cl.Status = gateway.StatusPending
	return nil
}

func (d *Depot) Archive(_ context.Context, source int, user string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Archive"); err != nil {
		return 0, err
	}
	src, err := d.lookup(source)
	if err != nil {
		return 0, err
	}
	c := d.newChange(user, src.cl.Description, src.cl.Client)
	c.shelf = copyFiles(src.files())
	c.cl.Status = gateway.StatusShelved
	return c.cl.ID, nil
}

func (d *Depot) Submit(_ context.Context, client string, target int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Submit"); err != nil {
		return 0, err
	}
	if d.RejectSubmit {
		return 0, fmt.Errorf("change %d: %w: files out of date", target, gateway.ErrSubmitRejected)
	}
	if _, ok := d.clients[client]; !ok {
		return 0, fmt.Errorf("client %s: %w", client, gateway.ErrNotFound)
	}
	c, err := d.lookup(target)
	if err != nil {
		return 0, err
	}
	if len(c.opened) == 0 {
		return 0, fmt.Errorf("change %d: %w: no files opened", target, gateway.ErrSubmitRejected)
	}
	return d.commit(c, c.opened), nil
}

func (d *Depot) Revert(_ context.Context, client string, target int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Revert"); err != nil {
		return err
	}
	c, err := d.lookup(target)
	if err != nil {
		return err
	}
	if c.cl.Status != gateway.StatusSubmitted {
		delete(d.changes, c.cl.ID)
	}
	return nil
}

func (d *Depot) DiffContent(_ context.Context, a, b int) (gateway.Comparison, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("DiffContent"); err != nil {
		return gateway.Comparison{}, err
	}
	ca, err := d.lookup(a)
	if err != nil {
		return gateway.Comparison{}, err
	}
	cb, err := d.lookup(b)
	if err != nil {
		return gateway.Comparison{}, err
	}
	if d.UnknownCompare {
		return gateway.Comparison{Unknown: true}, nil
	}
	fa, fb := ca.files(), cb.files()
	if len(fa) != len(fb) {
		return gateway.Comparison{}, nil
	}
	for path, f := range fa {
		if g, ok := fb[path]; !ok || g != f {
			return gateway.Comparison{}, nil
		}
	}
	return gateway.Comparison{Identical: true}, nil
}

func (d *Depot) DiffUnified(_ context.Context, a, b int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("DiffUnified"); err != nil {
		return "", err
	}
	cb, err := d.lookup(b)
	if err != nil {
		return "", err
	}
	right := cb.files()

	var left map[string]fileState
	if a == 0 {
		if cb.cl.Status == gateway.StatusSubmitted {
			left = cb.base
		} else {
			left = map[string]fileState{}
			for path := range right {
				if f, ok := d.head[path]; ok {
					left[path] = f
				}
			}
		}
	} else {
		ca, err := d.lookup(a)
		if err != nil {
			return "", err
		}
		left = ca.files()
	}

	all := map[string]fileState{}
	for k, v := range left {
		all[k] = v
	}
	for k, v := range right {
		all[k] = v
	}

	var b2 strings.Builder
	for _, path := range sortedPaths(all) {
		l, lok := left[path]
		r, rok := right[path]
		if lok && l.deleted {
			lok = false
		}
		if rok && r.deleted {
			rok = false
		}
		if lok == rok && l.data == r.data {
			continue
		}
		writeFileDiff(&b2, path, l.data, lok, r.data, rok)
	}
	return b2.String(), nil
}

// writeFileDiff emits a whole-file replacement hunk in git format.
func writeFileDiff(b *strings.Builder, path, old string, hasOld bool, cur string, hasNew bool) {
	name := strings.TrimPrefix(path, "//")
	fmt.Fprintf(b, "diff --git a/%s b/%s\n", name, name)
	oldName, newName := "a/"+name, "b/"+name
	switch {
	case !hasOld:
		b.WriteString("new file mode 100644\n")
		oldName = "/dev/null"
	case !hasNew:
		b.WriteString("deleted file mode 100644\n")
		newName = "/dev/null"
	}
	fmt.Fprintf(b, "--- %s\n+++ %s\n", oldName, newName)

	var oldLines, newLines []string
	if hasOld {
		oldLines = splitLines(old)
	}
	if hasNew {
		newLines = splitLines(cur)
	}
	fmt.Fprintf(b, "@@ -%s +%s @@\n", hunkRange(len(oldLines)), hunkRange(len(newLines)))
	for _, l := range oldLines {
		b.WriteString("-" + l + "\n")
	}
	for _, l := range newLines {
		b.WriteString("+" + l + "\n")
	}
}

func hunkRange(n int) string {
	if n == 0 {
		return "0,0"
	}
	return fmt.Sprintf("1,%d", n)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func sortedPaths(files map[string]fileState) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (d *Depot) ResolveStream(_ context.Context, path string) (*gateway.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("ResolveStream"); err != nil {
		return nil, err
	}
	s, ok := d.streams[path]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", path, gateway.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (d *Depot) FetchClient(_ context.Context, name string) (*gateway.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("FetchClient"); err != nil {
		return nil, err
	}
	c, ok := d.clients[name]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", name, gateway.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (d *Depot) SaveClient(_ context.Context, c gateway.Client) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("SaveClient"); err != nil {
		return err
	}
	if c.Stream != "" {
		if _, ok := d.streams[c.Stream]; !ok {
			return fmt.Errorf("stream %s: %w", c.Stream, gateway.ErrNotFound)
		}
	}
	cp := c
	d.clients[c.Name] = &cp
	return nil
}

func (d *Depot) DeleteClient(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("DeleteClient"); err != nil {
		return err
	}
	if _, ok := d.clients[name]; !ok {
		return fmt.Errorf("client %s: %w", name, gateway.ErrNotFound)
	}
	delete(d.clients, name)
	return nil
}
