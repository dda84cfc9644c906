// Package closeout runs the ten-step flow inserted between shutdown
// tiers 5 and 6: gather the finished project's data, produce an
// Actuals section (a dedicated writer agent if one responds in time,
// programmatic text otherwise), inject it into the specification
// document, write a build report, and run it past an auditor agent —
// never failing the flow itself, only ever collecting errors. Grounded
// on the teacher's memory.Document CRUD shape for the specification
// mutation and on captain.CaptainSupervisor's single-callback async
// wait, here turned into one-shot channels per pending writer/auditor
// response the way the spec's own design notes call for.
package closeout

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/seanfdz/commandpost/internal/config"
	"github.com/seanfdz/commandpost/internal/eventlog"
	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/mailbox"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/stringutils"
	"github.com/seanfdz/commandpost/internal/tasks"
	"github.com/seanfdz/commandpost/internal/types"
)

const daemonAgentID = "command-post"

// Result is the closeout manager's only caller-visible failure channel:
// every I/O site appends to Errors rather than returning an error that
// would abort the flow.
type Result struct {
	Success        bool     `json:"success"`
	ActualsWritten bool     `json:"actuals_written"`
	ReportWritten  bool     `json:"report_written"`
	AuditorVerdict string   `json:"auditor_verdict"`
	Errors         []string `json:"errors,omitempty"`
}

func (r *Result) fail(format string, args ...interface{}) {
	r.Success = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// warn records a recoverable problem that closeout fell back around —
// a writer or auditor agent that didn't answer in time — without
// flipping Success. Genuine I/O failures use fail instead.
func (r *Result) warn(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// auditorResponse is the payload handed from HandleAuditorResponse to
// whichever Run call is currently waiting on it.
type auditorResponse struct {
	Verdict     string
	Corrections string
}

// Manager runs the closeout flow. It holds at most one outstanding
// writer wait and one outstanding auditor wait at a time, matching the
// spec's single-promise-per-manager model.
type Manager struct {
	cfg         *config.Config
	projectRoot string
	tasks       *tasks.Store
	registry    *registry.Registry
	elog        *eventlog.Log
	mailbox     *mailbox.Store

	mu             sync.Mutex
	pendingWriter  chan string
	pendingAuditor chan auditorResponse
}

// New returns a Manager rooted at projectRoot (the directory holding
// PRD.md/COMMAND-POST.md and the .command-post/ tree).
func New(cfg *config.Config, projectRoot string, taskStore *tasks.Store, reg *registry.Registry, elog *eventlog.Log, mb *mailbox.Store) *Manager {
	return &Manager{cfg: cfg, projectRoot: projectRoot, tasks: taskStore, registry: reg, elog: elog, mailbox: mb}
}

// HandleWriterResponse resolves the outstanding writer wait, if any.
// Called by the mailbox dispatch loop when closeout-writer's
// actuals_markdown arrives. A response with no pending wait is dropped.
func (m *Manager) HandleWriterResponse(actualsMarkdown string) {
	m.mu.Lock()
	ch := m.pendingWriter
	m.mu.Unlock()
	if ch != nil {
		select {
		case ch <- actualsMarkdown:
		default:
		}
	}
}

// HandleAuditorResponse resolves the outstanding auditor wait, if any.
func (m *Manager) HandleAuditorResponse(verdict, corrections string) {
	m.mu.Lock()
	ch := m.pendingAuditor
	m.mu.Unlock()
	if ch != nil {
		select {
		case ch <- auditorResponse{Verdict: verdict, Corrections: corrections}:
		default:
		}
	}
}

func (m *Manager) awaitWriter(timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)
	m.mu.Lock()
	m.pendingWriter = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pendingWriter = nil
		m.mu.Unlock()
	}()
	select {
	case markdown := <-ch:
		return markdown, true
	case <-time.After(timeout):
		return "", false
	}
}

func (m *Manager) awaitAuditor(timeout time.Duration) (auditorResponse, bool) {
	ch := make(chan auditorResponse, 1)
	m.mu.Lock()
	m.pendingAuditor = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pendingAuditor = nil
		m.mu.Unlock()
	}()
	select {
	case resp := <-ch:
		return resp, true
	case <-time.After(timeout):
		return auditorResponse{}, false
	}
}

// dataset is everything step 1 collects.
type dataset struct {
	tasks       []*types.Task
	agents      []*types.AgentRegistryEntry
	events      []*types.Event
	outputFiles []fileEntry
	specPath    string
	totalDur    time.Duration
}

type fileEntry struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Run executes all ten steps and never panics out to the caller: every
// failure point is caught and recorded in the returned Result.
func (m *Manager) Run() (result *Result) {
	result = &Result{Success: true}
	defer func() {
		if r := recover(); r != nil {
			result.fail("closeout panicked: %v", r)
		}
	}()

	ds := m.collect(result)

	actuals := m.programmaticActuals(ds)
	result.ActualsWritten = true

	writerTimeout := m.cfg.WriterTimeout()
	if writerTimeout <= 0 {
		writerTimeout = 10 * time.Minute
	}
	if err := m.spawnAgent("closeout-writer", types.RoleSpecialist); err != nil {
		result.warn("spawn closeout-writer: %v — using programmatic fallback", err)
	} else if markdown, ok := m.awaitWriter(writerTimeout); ok && !stringutils.IsEmpty(markdown) {
		actuals = markdown
	} else {
		result.warn("Writer agent timed out — using programmatic fallback")
	}

	if err := m.injectActuals(ds.specPath, actuals); err != nil {
		result.fail("inject actuals into %s: %v", ds.specPath, err)
		result.ActualsWritten = false
	}

	reportPath := filepath.Join(m.projectRoot, "output", "BUILD-REPORT.md")
	if err := m.writeBuildReport(reportPath, ds, actuals); err != nil {
		result.fail("write build report: %v", err)
	} else {
		result.ReportWritten = true
	}

	auditorTimeout := m.cfg.AuditorTimeout()
	if auditorTimeout <= 0 {
		auditorTimeout = 5 * time.Minute
	}
	verdict := "skipped"
	if err := m.spawnAgent("closeout-auditor", types.RoleAudit); err != nil {
		verdict = "skipped"
		result.warn("spawn closeout-auditor: %v — skipping audit", err)
	} else if resp, ok := m.awaitAuditor(auditorTimeout); ok {
		verdict = normalizeVerdict(resp.Verdict)
		if verdict == "revision_needed" && !stringutils.IsEmpty(resp.Corrections) {
			if err := fsutil.WriteTextAtomic(reportPath, resp.Corrections); err != nil {
				result.fail("apply auditor corrections: %v", err)
			}
		}
	} else {
		verdict = "timeout"
		result.warn("Auditor agent timed out")
	}
	result.AuditorVerdict = verdict

	return result
}

func normalizeVerdict(v string) string {
	trimmed := stringutils.TrimAll(v)
	switch trimmed {
	case "approved", "approved_with_notes", "revision_needed", "timeout", "skipped":
		return trimmed
	default:
		return "approved"
	}
}

// spawnAgent is a thin placeholder for dispatching a closeout helper
// agent through whatever session-launcher is configured; the spec
// treats its response as arriving asynchronously via HandleWriterResponse/
// HandleAuditorResponse regardless of how the process itself was
// started, so closeout only needs to request the spawn and then wait.
func (m *Manager) spawnAgent(agentID string, role types.Role) error {
	_, err := m.mailbox.Send(&types.Message{
		From: daemonAgentID, To: agentID, Type: types.MsgTaskAssignment,
		Body: map[string]interface{}{"action": "closeout"},
	}, mailbox.SendOptions{SenderRole: types.RoleOrchestrator})
	return err
}

// collect performs step 1, never failing the overall run even if
// individual sources are missing or malformed.
func (m *Manager) collect(result *Result) *dataset {
	ds := &dataset{}

	if allTasks, err := m.tasks.List(); err == nil {
		ds.tasks = allTasks
	} else {
		result.fail("collect tasks: %v", err)
	}

	if allAgents, err := m.registry.List(); err == nil {
		ds.agents = allAgents
	} else {
		result.fail("collect agent registry: %v", err)
	}

	if m.elog != nil {
		if events, err := m.elog.Query(eventlog.Filters{}); err == nil {
			ds.events = events
		} else {
			result.fail("collect events: %v", err)
		}
	}

	outputDir := filepath.Join(m.projectRoot, "output")
	_ = filepath.Walk(outputDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(outputDir, path)
		if relErr != nil {
			rel = path
		}
		ds.outputFiles = append(ds.outputFiles, fileEntry{Path: rel, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})

	prdPath := filepath.Join(m.projectRoot, "PRD.md")
	cpPath := filepath.Join(m.projectRoot, "COMMAND-POST.md")
	if fsutil.Exists(prdPath) {
		ds.specPath = prdPath
	} else if fsutil.Exists(cpPath) {
		ds.specPath = cpPath
	}

	if len(ds.events) > 0 {
		sorted := append([]*types.Event{}, ds.events...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
		ds.totalDur = sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp)
	} else {
		ds.totalDur = 0
	}

	return ds
}

// programmaticActuals builds step 2's deterministic Actuals text.
func (m *Manager) programmaticActuals(ds *dataset) string {
	var completed, deferred []string
	var failedCount, handoffCount, lowComplianceCount int

	for _, t := range ds.tasks {
		switch t.Status {
		case types.TaskApproved:
			completed = append(completed, fmt.Sprintf("- %s: %s", t.Feature, t.Title))
		case types.TaskPending:
			deferred = append(deferred, fmt.Sprintf("- %s: not started", t.Title))
		case types.TaskBlocked:
			deferred = append(deferred, fmt.Sprintf("- %s: blocked by dependencies", t.Title))
		case types.TaskFailed:
			deferred = append(deferred, fmt.Sprintf("- %s: failed during build", t.Title))
			failedCount++
		}
		handoffCount += t.Context.HandoffCount
		if t.Audit.ComplianceScore > 0 && t.Audit.ComplianceScore < m.cfg.AuditApprovalThreshold {
			lowComplianceCount++
		}
	}

	var b strings.Builder
	b.WriteString("## Actuals\n\n### Completed Features\n")
	if len(completed) == 0 {
		b.WriteString("- (None)\n")
	} else {
		for _, line := range completed {
			b.WriteString(line + "\n")
		}
	}
	b.WriteString("\n### Deferred Features\n")
	if len(deferred) == 0 {
		b.WriteString("- (None)\n")
	} else {
		for _, line := range deferred {
			b.WriteString(line + "\n")
		}
	}
	b.WriteString("\n### Lessons Learned\n")
	if len(ds.tasks) == 0 {
		b.WriteString("- (None yet)\n")
	} else {
		b.WriteString(fmt.Sprintf("- %d task(s) failed during the build.\n", failedCount))
		b.WriteString(fmt.Sprintf("- %d handoff(s) occurred across the fleet.\n", handoffCount))
		b.WriteString(fmt.Sprintf("- %d task(s) scored below the audit approval threshold before passing.\n", lowComplianceCount))
		b.WriteString(fmt.Sprintf("- Total duration: %s across %d agent(s).\n", ds.totalDur.Round(time.Second), len(ds.agents)))
	}
	return b.String()
}

var actualsHeader = regexp.MustCompile(`(?m)^## Actuals\s*$`)
var nextHeader = regexp.MustCompile(`(?m)^## `)

// injectActuals performs step 4: parse the front matter, set
// commandPost.status/built_at, and replace or append the ## Actuals
// section in the body.
func (m *Manager) injectActuals(specPath, actuals string) error {
	if specPath == "" {
		return fmt.Errorf("no specification document found (PRD.md or COMMAND-POST.md)")
	}
	raw, err := os.ReadFile(specPath)
	if err != nil {
		return err
	}

	frontMatter, body, err := splitFrontMatter(string(raw))
	if err != nil {
		return err
	}

	fm := map[string]interface{}{}
	if frontMatter != "" {
		if err := yaml.Unmarshal([]byte(frontMatter), &fm); err != nil {
			return fmt.Errorf("parse front matter: %w", err)
		}
	}
	cp, _ := fm["commandPost"].(map[string]interface{})
	if cp == nil {
		cp = map[string]interface{}{}
	}
	cp["status"] = "built"
	cp["built_at"] = time.Now().UTC().Format(time.RFC3339)
	fm["commandPost"] = cp

	fmBytes, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("marshal front matter: %w", err)
	}

	newBody := replaceActualsSection(body, actuals)

	doc := "---\n" + string(fmBytes) + "---\n" + newBody
	return fsutil.WriteTextAtomic(specPath, doc)
}

// splitFrontMatter separates a leading `---`-delimited YAML block from
// the rest of the document. A document with no front matter returns an
// empty frontMatter and the whole content as body.
func splitFrontMatter(doc string) (frontMatter, body string, err error) {
	if !strings.HasPrefix(doc, "---\n") && !strings.HasPrefix(doc, "---\r\n") {
		return "", doc, nil
	}
	rest := doc[4:]
	idx := strings.Index(rest, "\n---")
	if idx == -1 {
		return "", doc, fmt.Errorf("unterminated front matter")
	}
	frontMatter = rest[:idx]
	afterDelim := rest[idx+4:]
	if nl := strings.IndexByte(afterDelim, '\n'); nl != -1 {
		body = afterDelim[nl+1:]
	}
	return frontMatter, body, nil
}

func replaceActualsSection(body, actuals string) string {
	loc := actualsHeader.FindStringIndex(body)
	if loc == nil {
		if !strings.HasSuffix(body, "\n") && body != "" {
			body += "\n"
		}
		return body + "\n" + actuals
	}
	rest := body[loc[1]:]
	nextLoc := nextHeader.FindStringIndex(rest)
	var tail string
	if nextLoc != nil {
		tail = rest[nextLoc[0]:]
	}
	return body[:loc[0]] + actuals + "\n" + tail
}

const buildReportTemplate = `# Build Report: {{.ProjectName}}

Total duration: {{.Duration}}

## Task Summary

| Completed | In Progress | Failed | Deferred | Total |
|---|---|---|---|---|
| {{.Completed}} | {{.InProgress}} | {{.Failed}} | {{.Deferred}} | {{.Total}} |

## Tasks

| ID | Title | Domain | Status | Assigned To |
|---|---|---|---|---|
{{range .Tasks}}| {{.ID}} | {{.Title}} | {{.Domain}} | {{.Status}} | {{.AssignedTo}} |
{{end}}
## Agents

| ID | Role | Domain | Status | Handoffs |
|---|---|---|---|---|
{{range .Agents}}| {{.ID}} | {{.Role}} | {{.Domain}} | {{.Status}} | {{.HandoffCount}} |
{{end}}
## Output Files

| Path | Size | Modified |
|---|---|---|
{{range .Files}}| {{.Path}} | {{.Size}} | {{.ModTime}} |
{{end}}
## Event Timeline

{{range .Timeline}}- {{.Timestamp}} {{.EventType}} {{.AgentID}}
{{end}}
`

type reportTaskRow struct {
	ID, Title, Domain, Status, AssignedTo string
}

type reportAgentRow struct {
	ID, Role, Domain, Status string
	HandoffCount             int
}

type reportFileRow struct {
	Path, Size, ModTime string
}

type reportEventRow struct {
	Timestamp, EventType, AgentID string
}

type reportData struct {
	ProjectName                               string
	Duration                                  string
	Completed, InProgress, Failed, Deferred, Total int
	Tasks                                      []reportTaskRow
	Agents                                     []reportAgentRow
	Files                                      []reportFileRow
	Timeline                                   []reportEventRow
}

// writeBuildReport performs step 5.
func (m *Manager) writeBuildReport(path string, ds *dataset, actuals string) error {
	_ = actuals // the report body is the task/agent/file/timeline tables; Actuals lives in the spec document

	data := reportData{ProjectName: filepath.Base(m.projectRoot), Duration: ds.totalDur.Round(time.Second).String()}
	for _, t := range ds.tasks {
		data.Total++
		switch t.Status {
		case types.TaskApproved:
			data.Completed++
		case types.TaskInProgress:
			data.InProgress++
		case types.TaskFailed:
			data.Failed++
		case types.TaskPending, types.TaskBlocked:
			data.Deferred++
		}
		data.Tasks = append(data.Tasks, reportTaskRow{ID: t.ID, Title: t.Title, Domain: t.Domain, Status: string(t.Status), AssignedTo: t.AssignedTo})
	}
	for _, a := range ds.agents {
		data.Agents = append(data.Agents, reportAgentRow{ID: a.ID, Role: string(a.Role), Domain: a.Domain, Status: string(a.Status), HandoffCount: a.HandoffCount})
	}
	for _, f := range ds.outputFiles {
		data.Files = append(data.Files, reportFileRow{Path: f.Path, Size: humanize.Bytes(uint64(f.Size)), ModTime: f.ModTime.Format(time.RFC3339)})
	}
	data.Timeline = abbreviatedTimeline(ds.events)

	tmpl, err := template.New("build-report").Parse(buildReportTemplate)
	if err != nil {
		return err
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fsutil.WriteTextAtomic(path, b.String())
}

// abbreviatedTimeline returns the first 5 and last 5 events, sorted by
// time, when there are more than 10; otherwise the whole sorted set.
func abbreviatedTimeline(events []*types.Event) []reportEventRow {
	sorted := append([]*types.Event{}, events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	toRow := func(e *types.Event) reportEventRow {
		return reportEventRow{Timestamp: e.Timestamp.Format(time.RFC3339), EventType: string(e.EventType), AgentID: e.AgentID}
	}

	if len(sorted) <= 10 {
		rows := make([]reportEventRow, len(sorted))
		for i, e := range sorted {
			rows[i] = toRow(e)
		}
		return rows
	}

	rows := make([]reportEventRow, 0, 11)
	for _, e := range sorted[:5] {
		rows = append(rows, toRow(e))
	}
	rows = append(rows, reportEventRow{Timestamp: "...", EventType: "...", AgentID: "..."})
	for _, e := range sorted[len(sorted)-5:] {
		rows = append(rows, toRow(e))
	}
	return rows
}
