// Package narrative turns a report digest into executive-summary text, either
// through an LLM or from a fixed template.
package narrative

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrCollaboratorTimeout means the text generator could not answer in time
// or at all. Callers fall back to the template.
var ErrCollaboratorTimeout = errors.New("collaborator unavailable")

// Digest is the deterministic summary a narrative is written from.
type Digest struct {
	CustomerID    string         `json:"customer_id"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	TotalEvents   int            `json:"total_events"`
	EventsByType  map[string]int `json:"events_by_type"`
	EventsByAgent map[string]int `json:"events_by_agent"`
	StatusSummary map[string]int `json:"status_summary"`
	AlertCount    int            `json:"alert_count"`
}

// Hash identifies the digest for caching.
func (d Digest) Hash() string {
	data, _ := json.Marshal(d)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SuccessRate is the share of successful events, 0 when there were none.
func (d Digest) SuccessRate() float64 {
	if d.TotalEvents == 0 {
		return 0
	}
	return float64(d.StatusSummary["success"]) / float64(d.TotalEvents)
}

// MostActiveAgent returns the agent with the most events. Ties go to the
// alphabetically first name.
func (d Digest) MostActiveAgent() string {
	names := make([]string, 0, len(d.EventsByAgent))
	for name := range d.EventsByAgent {
		names = append(names, name)
	}
	sort.Strings(names)
	best, bestN := "", -1
	for _, name := range names {
		if n := d.EventsByAgent[name]; n > bestN {
			best, bestN = name, n
		}
	}
	return best
}

// Narrator writes a narrative for a digest.
type Narrator interface {
	Narrate(ctx context.Context, d Digest) (string, error)
}

// Prompt renders the LLM prompt for a digest.
func Prompt(d Digest) string {
	customer := d.CustomerID
	if customer == "" {
		customer = "All customers"
	}
	types := make([]string, 0, len(d.EventsByType))
	for t := range d.EventsByType {
		types = append(types, t)
	}
	sort.Strings(types)
	agents, _ := json.MarshalIndent(d.EventsByAgent, "", "  ")

	var b strings.Builder
	b.WriteString("Generate a professional audit report summary:\n\n")
	fmt.Fprintf(&b, "Period: %s to %s\n", d.Start.Format("2006-01-02"), d.End.Format("2006-01-02"))
	fmt.Fprintf(&b, "Customer: %s\n\n", customer)
	b.WriteString("Event Statistics:\n")
	fmt.Fprintf(&b, "- Total events: %d\n", d.TotalEvents)
	fmt.Fprintf(&b, "- Event types: %s\n", strings.Join(types, ", "))
	fmt.Fprintf(&b, "- Success rate: %.1f%%\n", d.SuccessRate()*100)
	fmt.Fprintf(&b, "- Anomaly alerts: %d\n\n", d.AlertCount)
	fmt.Fprintf(&b, "Agent Activity:\n%s\n\n", agents)
	b.WriteString("Generate a 3-4 sentence executive summary of the audit findings.")
	return b.String()
}

// TemplateNarrator renders a fixed-format narrative. It never fails.
type TemplateNarrator struct{}

func (TemplateNarrator) Narrate(_ context.Context, d Digest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Audit Report for period %s to %s. ", d.Start.Format("2006-01-02"), d.End.Format("2006-01-02"))
	fmt.Fprintf(&b, "Total of %d events processed", d.TotalEvents)
	if d.CustomerID != "" {
		fmt.Fprintf(&b, " for customer %s", d.CustomerID)
	}
	fmt.Fprintf(&b, " with %.1f%% success rate. ", d.SuccessRate()*100)
	if agent := d.MostActiveAgent(); agent != "" {
		fmt.Fprintf(&b, "Most active component: %s. ", agent)
	}
	if d.AlertCount > 0 {
		fmt.Fprintf(&b, "%d anomaly alerts were raised in this period. ", d.AlertCount)
	}
	if failures := d.StatusSummary["failure"]; failures > 0 {
		fmt.Fprintf(&b, "Note: %d failed operations require attention.", failures)
	} else {
		b.WriteString("All operations completed successfully.")
	}
	return b.String(), nil
}
