// Package contextmon is the external, zero-cost context monitor: it
// never inspects an agent's conversation, only the transcript file the
// underlying chat runtime writes to disk. It classifies usage into
// green/yellow/red zones, requests memory snapshots as agents approach
// the replacement threshold, and projects when an agent will need a
// handoff. Grounded on the teacher's supervisor.ReportParser
// (tolerant, field-by-field map extraction rather than strict struct
// unmarshaling) and persistence.CleanupStaleAgents (process liveness
// driving a registry sweep).
package contextmon

import (
	"bufio"
	"log"
	"math"
	"os"
	"time"

	"github.com/seanfdz/commandpost/internal/config"
	"github.com/seanfdz/commandpost/internal/eventbus"
	"github.com/seanfdz/commandpost/internal/eventlog"
	"github.com/seanfdz/commandpost/internal/instance"
	"github.com/seanfdz/commandpost/internal/registry"
	"github.com/seanfdz/commandpost/internal/types"
)

// SnapshotRequester is the narrow slice of the replacement coordinator
// the monitor needs: request a snapshot when an agent enters the red
// zone, without importing internal/replacement and creating a cycle.
type SnapshotRequester interface {
	RequestSnapshot(agentID string, reason string) error
	HasPendingFlow(agentID string) bool
	ReissueTimedOutRequests(timeout time.Duration) error
}

// Monitor runs the polling loop described by the transcript-parsing and
// zone-classification rules.
type Monitor struct {
	cfg      *config.Config
	registry *registry.Registry
	log      *eventlog.Log
	bus      *eventbus.Bus
	replace  SnapshotRequester
	logger   *log.Logger
}

// New returns a Monitor wired to its collaborators.
func New(cfg *config.Config, reg *registry.Registry, elog *eventlog.Log, bus *eventbus.Bus, replace SnapshotRequester) *Monitor {
	return &Monitor{
		cfg:      cfg,
		registry: reg,
		log:      elog,
		bus:      bus,
		replace:  replace,
		logger:   log.New(os.Stdout, "[CONTEXTMON] ", log.LstdFlags),
	}
}

// Reading is one transcript usage snapshot.
type Reading struct {
	ContextTokens int64
	MaxTokens     int64
	Percentage    float64
	Zone          types.Zone
}

// ParseTranscript scans a transcript file backwards for the most
// recent well-formed assistant record with a populated usage
// sub-object, per spec: context_tokens = input + cache_creation +
// cache_read (output tokens are tracked upstream but excluded from
// the percentage on purpose — they don't count against the model's
// context window). Malformed lines are skipped; a missing or empty
// file yields no reading.
func ParseTranscript(path string, maxTokens int64) (*Reading, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	for i := len(lines) - 1; i >= 0; i-- {
		record, ok := parseRecordLine(lines[i])
		if !ok {
			continue
		}
		if record.recordType != "assistant" || !record.hasUsage {
			continue
		}
		tokens := record.input + record.cacheCreation + record.cacheRead
		if maxTokens <= 0 {
			maxTokens = 200000
		}
		return &Reading{
			ContextTokens: tokens,
			MaxTokens:     maxTokens,
			Percentage:    float64(tokens) / float64(maxTokens),
		}, true
	}
	return nil, false
}

// PollOnce runs one iteration of the polling loop against the current
// registry: liveness sweep, per-agent usage parse and zone dispatch,
// timeout re-issue.
func (m *Monitor) PollOnce() error {
	entries, err := m.registry.List()
	if err != nil {
		return err
	}

	changed := false
	for _, entry := range entries {
		if entry.Status != types.AgentActive {
			continue
		}
		if entry.PID > 0 && !instance.IsAlive(entry.PID) {
			entry.Status = types.AgentDead
			changed = true
			m.emit(types.EventErrorOccurred, entry.ID, map[string]interface{}{
				"message": "agent process is no longer running",
			})
			if err := m.registry.SetStatus(entry.ID, types.AgentDead); err != nil {
				m.logger.Printf("set dead status for %s: %v", entry.ID, err)
			}
			continue
		}

		if entry.TranscriptPath == "" {
			continue
		}
		reading, ok := ParseTranscript(entry.TranscriptPath, m.cfg.MaxContextTokens)
		if !ok {
			continue
		}
		m.dispatchReading(entry.ID, reading)
	}

	if changed {
		m.logger.Printf("registry status changed during poll")
	}

	if m.replace != nil {
		if err := m.replace.ReissueTimedOutRequests(m.cfg.SnapshotTimeout()); err != nil {
			m.logger.Printf("reissue timed out snapshot requests: %v", err)
		}
	}
	return nil
}

func (m *Monitor) dispatchReading(agentID string, reading *Reading) {
	zone := types.ClassifyZone(reading.Percentage, m.cfg.WarningThreshold, m.cfg.ContextThreshold)
	reading.Zone = zone

	m.emit(types.EventContextMetric, agentID, map[string]interface{}{
		"context_tokens": reading.ContextTokens,
		"max_tokens":      reading.MaxTokens,
		"percentage":      reading.Percentage,
		"zone":            string(zone),
	})

	switch zone {
	case types.ZoneYellow:
		m.emit(types.EventErrorOccurred, agentID, map[string]interface{}{
			"message": "agent entering yellow context zone",
			"severity": "warning",
		})
	case types.ZoneRed:
		if m.replace == nil || m.replace.HasPendingFlow(agentID) {
			return
		}
		if err := m.replace.RequestSnapshot(agentID, "context_threshold_exceeded"); err != nil {
			m.logger.Printf("request snapshot for %s: %v", agentID, err)
		}
	}
}

func (m *Monitor) emit(eventType types.EventType, agentID string, data map[string]interface{}) {
	ev := &types.Event{EventType: eventType, AgentID: agentID, Data: data}
	if m.log != nil {
		if err := m.log.Append(ev); err != nil {
			m.logger.Printf("append event: %v", err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// IngestExternalUsage is the ingest_external_usage bridge: a runtime
// that reports usage directly (no transcript to parse) hands the
// reading here, and it is funneled through the same zone-dispatch and
// event-emission path a polled reading would take, plus a lifecycle
// event recording that the snapshot it implies came from the daemon
// rather than the agent itself.
func (m *Monitor) IngestExternalUsage(agentID string, reading *Reading) {
	reading.Zone = types.ClassifyZone(reading.Percentage, m.cfg.WarningThreshold, m.cfg.ContextThreshold)
	m.dispatchReading(agentID, reading)
	m.emit(types.EventContextSnapshotCreated, agentID, map[string]interface{}{
		"source":     "daemon",
		"percentage": reading.Percentage,
	})
}

// PredictHandoff performs linear regression over (timestamp,
// percentage) pairs to estimate minutes until the agent crosses 80%
// usage. Fewer than two points, a non-positive slope, or a zero
// denominator all signal "no meaningful projection" rather than an
// error, since a quiet or brand-new agent is a normal condition, not
// a bug.
func PredictHandoff(points []PercentagePoint) (minutes float64, confidence float64) {
	n := len(points)
	if n < 2 {
		return math.Inf(1), 0
	}

	t0 := points[0].Timestamp
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, p := range points {
		xs[i] = p.Timestamp.Sub(t0).Minutes()
		ys[i] = p.Percentage
	}

	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return math.Inf(1), 0
	}

	slope := (nf*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / nf
	if slope <= 0 {
		return math.Inf(1), 0
	}

	target := 0.80
	xTarget := (target - intercept) / slope
	lastX := xs[n-1]
	remaining := xTarget - lastX
	if remaining < 0 {
		remaining = 0
	}

	confidence = math.Min(1.0, 0.3+0.1*nf)
	return remaining, confidence
}

// PercentagePoint is one sample in a context-usage time series.
type PercentagePoint struct {
	Timestamp  time.Time
	Percentage float64
}
