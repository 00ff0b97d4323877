package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// P4Options configures the command line gateway.
type P4Options struct {
	Bin      string // defaults to "p4"
	Port     string
	User     string
	Password string
	Charset  string
	// Client is the service workspace used for shelf copies.
	Client  string
	Timeout time.Duration
	Logger  *slog.Logger
}

type runner func(ctx context.Context, stdin string, args []string) (stdout, stderr []byte, err error)

// P4 implements Gateway by running the p4 command line client.
type P4 struct {
	opts   P4Options
	log    *slog.Logger
	runner runner
}

// NewP4 returns a Gateway backed by the p4 binary.
func NewP4(opts P4Options) *P4 {
	if opts.Bin == "" {
		opts.Bin = "p4"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &P4{opts: opts, log: log.With("component", "p4")}
	p.runner = p.execRunner
	return p
}

func (p *P4) execRunner(ctx context.Context, stdin string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, p.opts.Bin, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	return out, stderr.Bytes(), err
}

func (p *P4) globals(client string) []string {
	var args []string
	if p.opts.Port != "" {
		args = append(args, "-p", p.opts.Port)
	}
	if p.opts.User != "" {
		args = append(args, "-u", p.opts.User)
	}
	if p.opts.Password != "" {
		args = append(args, "-P", p.opts.Password)
	}
	if p.opts.Charset != "" {
		args = append(args, "-C", p.opts.Charset)
	}
	if client == "" {
		client = p.opts.Client
	}
	if client != "" {
		args = append(args, "-c", client)
	}
	return args
}

// run executes a p4 command on the service client.
func (p *P4) run(ctx context.Context, stdin string, args ...string) ([]byte, error) {
	return p.runOn(ctx, "", stdin, args...)
}

func (p *P4) runOn(ctx context.Context, client, stdin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	full := append(p.globals(client), args...)
	start := time.Now()
	out, stderr, err := p.runner(ctx, stdin, full)
	p.log.Debug("p4 command", "args", args, "duration", time.Since(start), "error", err)
	if err != nil {
		return nil, classify(ctx, args, stderr, err)
	}
	// p4 reports some failures with a zero exit status.
	if msg := strings.TrimSpace(string(stderr)); msg != "" && !isBenign(msg) {
		return nil, classify(ctx, args, stderr, errors.New(msg))
	}
	return out, nil
}

func isBenign(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "no such file") ||
		strings.Contains(lower, "file(s) not opened") ||
		strings.Contains(lower, "no file(s) to")
}

var notFoundPatterns = []string{
	"no such changelist",
	"unknown changelist",
	"doesn't exist",
	"does not exist",
	"no such stream",
	"isn't a valid",
}

var unavailablePatterns = []string{
	"connect to server failed",
	"tcp connect",
	"connection refused",
	"partner exited unexpectedly",
	"session was logged out",
}

func classify(ctx context.Context, args []string, stderr []byte, err error) error {
	sub := subcommand(args)
	name := "p4 " + sub
	msg := strings.TrimSpace(string(stderr))
	lower := strings.ToLower(msg)

	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w: %v", name, ErrUnavailable, ctx.Err())
	case errors.Is(err, exec.ErrNotFound):
		return fmt.Errorf("%s: %w: %v", name, ErrUnavailable, err)
	}
	for _, pat := range unavailablePatterns {
		if strings.Contains(lower, pat) {
			return fmt.Errorf("%s: %w: %s", name, ErrUnavailable, msg)
		}
	}
	for _, pat := range notFoundPatterns {
		if strings.Contains(lower, pat) {
			return fmt.Errorf("%s: %w: %s", name, ErrNotFound, msg)
		}
	}
	if sub == "submit" {
		return fmt.Errorf("%s: %w: %s", name, ErrSubmitRejected, msg)
	}
	if msg == "" {
		msg = err.Error()
	}
	return fmt.Errorf("%s: %s", name, msg)
}

// globalValueFlags are the global options that take a separate value.
var globalValueFlags = map[string]bool{"-p": true, "-u": true, "-P": true, "-C": true, "-c": true, "-H": true, "-d": true, "-x": true}

// subcommand returns the p4 command name in args, skipping global options.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			return a
		}
		if globalValueFlags[a] {
			i++
		}
	}
	return ""
}

// ztagRecord is one record of `p4 -ztag` output.
type ztagRecord map[string]string

// parseZtag splits tagged output into records. A record ends when a key
// repeats; lines without the "... " prefix continue the previous value.
func parseZtag(out []byte) []ztagRecord {
	var (
		records []ztagRecord
		cur     ztagRecord
		last    string
	)
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "... ") {
			if cur != nil && last != "" {
				cur[last] += "\n" + line
			}
			continue
		}
		rest := strings.TrimPrefix(line, "... ")
		key, value, _ := strings.Cut(rest, " ")
		if cur == nil {
			cur = ztagRecord{}
		} else if _, seen := cur[key]; seen {
			records = append(records, cur)
			cur = ztagRecord{}
		}
		cur[key] = value
		last = key
	}
	if cur != nil {
		records = append(records, cur)
	}
	for _, r := range records {
		for k, v := range r {
			r[k] = strings.TrimRight(v, "\n")
		}
	}
	return records
}

func (r ztagRecord) int(key string) int {
	n, _ := strconv.Atoi(r[key])
	return n
}

func (r ztagRecord) files() []File {
	var files []File
	for i := 0; ; i++ {
		path, ok := r[fmt.Sprintf("depotFile%d", i)]
		if !ok {
			break
		}
		f := File{
			DepotPath: path,
			Action:    r[fmt.Sprintf("action%d", i)],
			Type:      r[fmt.Sprintf("type%d", i)],
			Digest:    r[fmt.Sprintf("digest%d", i)],
		}
		f.Revision, _ = strconv.Atoi(r[fmt.Sprintf("rev%d", i)])
		files = append(files, f)
	}
	return files
}

func (p *P4) FetchChangelist(ctx context.Context, id int) (*Changelist, error) {
	out, err := p.run(ctx, "", "-ztag", "describe", "-s", "-S", strconv.Itoa(id))
	if err != nil {
		return nil, err
	}
	recs := parseZtag(out)
	if len(recs) == 0 || recs[0]["change"] == "" {
		return nil, fmt.Errorf("change %d: %w", id, ErrNotFound)
	}
	return p.changeFromRecord(ctx, recs[0]), nil
}

func (p *P4) changeFromRecord(ctx context.Context, r ztagRecord) *Changelist {
	c := &Changelist{
		ID:          r.int("change"),
		OriginalID:  r.int("oldChange"),
		Description: r["desc"],
		User:        r["user"],
		Client:      r["client"],
		Files:       r.files(),
		Status:      ChangeStatus(r["status"]),
	}
	if secs := r.int("time"); secs > 0 {
		c.Time = time.Unix(int64(secs), 0).UTC()
	}
	if _, ok := r["shelved"]; ok && c.Status == StatusPending {
		c.Status = StatusShelved
	}
	if c.Client != "" {
		if client, err := p.FetchClient(ctx, c.Client); err == nil {
			c.Stream = client.Stream
		}
	}
	return c
}

// formatSpec renders a spec form for `p4 <cmd> -i`.
func formatSpec(fields [][2]string, lists map[string][]string) string {
	var b strings.Builder
	for _, f := range fields {
		if strings.Contains(f[1], "\n") || f[0] == "Description" {
			fmt.Fprintf(&b, "%s:\n", f[0])
			for _, line := range strings.Split(f[1], "\n") {
				fmt.Fprintf(&b, "\t%s\n", line)
			}
		} else {
			fmt.Fprintf(&b, "%s:\t%s\n", f[0], f[1])
		}
		b.WriteString("\n")
	}
	keys := make([]string, 0, len(lists))
	for k := range lists {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s:\n", k)
		for _, v := range lists[k] {
			fmt.Fprintf(&b, "\t%s\n", v)
		}
		b.WriteString("\n")
	}
	return b.String()
}

var createdRe = regexp.MustCompile(`Change (\d+) created`)

func (p *P4) CreateChangelist(ctx context.Context, nc NewChange) (int, error) {
	fields := [][2]string{{"Change", "new"}}
	if nc.Client != "" {
		fields = append(fields, [2]string{"Client", nc.Client})
	}
	if nc.User != "" {
		fields = append(fields, [2]string{"User", nc.User})
	}
	fields = append(fields, [2]string{"Status", "new"}, [2]string{"Description", nc.Description})

	out, err := p.runOn(ctx, nc.Client, formatSpec(fields, nil), "change", "-i")
	if err != nil {
		return 0, err
	}
	m := createdRe.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("p4 change: unexpected output %q", strings.TrimSpace(string(out)))
	}
	return strconv.Atoi(string(m[1]))
}

var userLineRe = regexp.MustCompile(`(?m)^User:\s.*$`)

func (p *P4) SetChangelistUser(ctx context.Context, id int, user string) error {
	form, err := p.run(ctx, "", "change", "-o", strconv.Itoa(id))
	if err != nil {
		return err
	}
	updated := userLineRe.ReplaceAllLiteralString(string(form), "User:\t"+user)
	_, err = p.run(ctx, updated, "change", "-f", "-i")
	return err
}

func (p *P4) Shelve(ctx context.Context, target, source int) error {
	t, s := strconv.Itoa(target), strconv.Itoa(source)
	if _, err := p.run(ctx, "", "unshelve", "-f", "-s", s, "-c", t); err != nil {
		return err
	}
	defer func() {
		if _, err := p.run(ctx, "", "revert", "-k", "-c", t, "//..."); err != nil {
			p.log.Warn("revert after shelve", "change", target, "error", err)
		}
	}()
	_, err := p.run(ctx, "", "shelve", "-f", "-r", "-c", t)
	return err
}

func (p *P4) Unshelve(ctx context.Context, client string, source, target int) error {
	_, err := p.runOn(ctx, client, "", "unshelve", "-f", "-s", strconv.Itoa(source), "-c", strconv.Itoa(target))
	return err
}

func (p *P4) DeleteShelf(ctx context.Context, id int) error {
	_, err := p.run(ctx, "", "shelve", "-d", "-f", "-c", strconv.Itoa(id))
	return err
}

func (p *P4) Archive(ctx context.Context, source int, user string) (int, error) {
	src, err := p.FetchChangelist(ctx, source)
	if err != nil {
		return 0, err
	}
	id, err := p.CreateChangelist(ctx, NewChange{Description: src.Description, User: user, Client: p.opts.Client})
	if err != nil {
		return 0, err
	}
	if err := p.Shelve(ctx, id, source); err != nil {
		if derr := p.DeleteChangelist(ctx, id); derr != nil {
			p.log.Warn("delete archive after failed shelve", "change", id, "error", derr)
		}
		return 0, err
	}
	return id, nil
}

func (p *P4) DeleteChangelist(ctx context.Context, id int) error {
	t := strconv.Itoa(id)
	if _, err := p.run(ctx, "", "shelve", "-d", "-f", "-c", t); err != nil && errors.Is(err, ErrUnavailable) {
		return err
	}
	_, err := p.run(ctx, "", "change", "-d", "-f", t)
	return err
}

func (p *P4) Submit(ctx context.Context, client string, target int) (int, error) {
	out, err := p.runOn(ctx, client, "", "-ztag", "submit", "-c", strconv.Itoa(target))
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return 0, err
		}
		if !errors.Is(err, ErrSubmitRejected) {
			err = fmt.Errorf("%w: %v", ErrSubmitRejected, err)
		}
		return 0, err
	}
	for _, r := range parseZtag(out) {
		if n := r.int("submittedChange"); n > 0 {
			return n, nil
		}
	}
	return target, nil
}

func (p *P4) Revert(ctx context.Context, client string, target int) error {
	t := strconv.Itoa(target)
	if _, err := p.runOn(ctx, client, "", "revert", "-w", "-c", t, "//..."); err != nil {
		return err
	}
	_, err := p.runOn(ctx, client, "", "change", "-d", "-f", t)
	return err
}

// contentFiles returns depot path -> digest ("" for deletes) for a change.
func (p *P4) contentFiles(ctx context.Context, id int) (map[string]ztagRecord, error) {
	out, err := p.run(ctx, "", "-ztag", "fstat", "-Ol", fmt.Sprintf("//...@=%d", id))
	if err != nil {
		return nil, err
	}
	files := map[string]ztagRecord{}
	for _, r := range parseZtag(out) {
		if path := r["depotFile"]; path != "" {
			files[path] = r
		}
	}
	return files, nil
}

func (p *P4) DiffContent(ctx context.Context, a, b int) (Comparison, error) {
	left, err := p.contentFiles(ctx, a)
	if err != nil {
		return Comparison{}, err
	}
	right, err := p.contentFiles(ctx, b)
	if err != nil {
		return Comparison{}, err
	}
	return compareFiles(left, right), nil
}

func compareFiles(left, right map[string]ztagRecord) Comparison {
	if len(left) != len(right) {
		return Comparison{}
	}
	unknown := false
	for path, l := range left {
		r, ok := right[path]
		if !ok {
			return Comparison{}
		}
		lDel := strings.Contains(l["headAction"], "delete")
		rDel := strings.Contains(r["headAction"], "delete")
		if lDel != rDel {
			return Comparison{}
		}
		if lDel {
			continue
		}
		if l["digest"] == "" || r["digest"] == "" {
			unknown = true
			continue
		}
		if l["digest"] != r["digest"] || l["headType"] != r["headType"] {
			return Comparison{}
		}
	}
	if unknown {
		return Comparison{Unknown: true}
	}
	return Comparison{Identical: true}
}

func (p *P4) DiffUnified(ctx context.Context, a, b int) (string, error) {
	if a != 0 {
		out, err := p.run(ctx, "", "diff2", "-du", fmt.Sprintf("//...@=%d", a), fmt.Sprintf("//...@=%d", b))
		if err != nil {
			return "", err
		}
		return toGitDiff(string(out)), nil
	}

	c, err := p.FetchChangelist(ctx, b)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, f := range c.Files {
		base := f.Revision
		if c.IsSubmitted() {
			base--
		}
		right := fmt.Sprintf("%s@=%d", f.DepotPath, b)
		var out []byte
		if base < 1 || strings.Contains(f.Action, "add") || strings.Contains(f.Action, "branch") {
			out, err = p.run(ctx, "", "print", "-q", right)
			if err == nil {
				out = []byte(newFileDiff(f.DepotPath, string(out)))
			}
		} else {
			out, err = p.run(ctx, "", "diff2", "-du", fmt.Sprintf("%s#%d", f.DepotPath, base), right)
			if err == nil {
				out = []byte(toGitDiff(string(out)))
			}
		}
		if err != nil {
			return "", err
		}
		sb.Write(out)
	}
	return sb.String(), nil
}

var diff2HeaderRe = regexp.MustCompile(`^==== (\S+|<none>)(?: \([^)]*\))? - (\S+|<none>)(?: \([^)]*\))? ====(?: (\w+))?`)

// toGitDiff rewrites `p4 diff2 -du` output into git's unified format so it
// can be parsed like any other patch.
func toGitDiff(out string) string {
	var b strings.Builder
	skip := false
	for _, line := range strings.Split(out, "\n") {
		m := diff2HeaderRe.FindStringSubmatch(line)
		if m == nil {
			if !skip && line != "" {
				b.WriteString(line)
				b.WriteString("\n")
			}
			continue
		}
		skip = m[3] == "identical"
		if skip {
			continue
		}
		left, right := depotName(m[1]), depotName(m[2])
		switch {
		case left == "":
			fmt.Fprintf(&b, "diff --git a/%s b/%s\nnew file mode 100644\n--- /dev/null\n+++ b/%s\n", right, right, right)
		case right == "":
			fmt.Fprintf(&b, "diff --git a/%s b/%s\ndeleted file mode 100644\n--- a/%s\n+++ /dev/null\n", left, left, left)
		default:
			fmt.Fprintf(&b, "diff --git a/%s b/%s\n--- a/%s\n+++ b/%s\n", left, right, left, right)
		}
	}
	return b.String()
}

func newFileDiff(depotPath, content string) string {
	name := depotName(depotPath)
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\nnew file mode 100644\n--- /dev/null\n+++ b/%s\n", name, name, name)
	fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(lines))
	for _, l := range lines {
		b.WriteString("+" + l + "\n")
	}
	return b.String()
}

// depotName strips the leading slashes and any revision specifier.
func depotName(spec string) string {
	if spec == "<none>" {
		return ""
	}
	if i := strings.IndexAny(spec, "#@"); i >= 0 {
		spec = spec[:i]
	}
	return strings.TrimPrefix(spec, "//")
}

func (p *P4) ResolveStream(ctx context.Context, path string) (*Stream, error) {
	out, err := p.run(ctx, "", "-ztag", "streams", path)
	if err != nil {
		return nil, err
	}
	for _, r := range parseZtag(out) {
		if r["Stream"] == path {
			return &Stream{Path: path, Type: r["Type"], Parent: r["Parent"], Owner: r["Owner"], Name: r["Name"]}, nil
		}
	}
	return nil, fmt.Errorf("stream %s: %w", path, ErrNotFound)
}

func (p *P4) FetchClient(ctx context.Context, name string) (*Client, error) {
	out, err := p.run(ctx, "", "-ztag", "clients", "-e", name)
	if err != nil {
		return nil, err
	}
	if len(parseZtag(out)) == 0 {
		return nil, fmt.Errorf("client %s: %w", name, ErrNotFound)
	}
	out, err = p.run(ctx, "", "-ztag", "client", "-o", name)
	if err != nil {
		return nil, err
	}
	recs := parseZtag(out)
	if len(recs) == 0 {
		return nil, fmt.Errorf("client %s: %w", name, ErrNotFound)
	}
	r := recs[0]
	c := &Client{Name: r["Client"], Owner: r["Owner"], Root: r["Root"], Stream: r["Stream"]}
	for i := 0; ; i++ {
		v, ok := r[fmt.Sprintf("View%d", i)]
		if !ok {
			break
		}
		c.View = append(c.View, v)
	}
	return c, nil
}

func (p *P4) SaveClient(ctx context.Context, c Client) error {
	fields := [][2]string{{"Client", c.Name}, {"Owner", c.Owner}, {"Root", c.Root}}
	var lists map[string][]string
	if c.Stream != "" {
		fields = append(fields, [2]string{"Stream", c.Stream})
	} else if len(c.View) > 0 {
		lists = map[string][]string{"View": c.View}
	}
	_, err := p.run(ctx, formatSpec(fields, lists), "client", "-i")
	return err
}

func (p *P4) DeleteClient(ctx context.Context, name string) error {
	_, err := p.run(ctx, "", "client", "-d", "-f", name)
	return err
}
