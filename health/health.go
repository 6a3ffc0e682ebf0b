// Package health implements the cold-start readiness gate and runtime health
// aggregator (C8). The vector index and canonical store are load-bearing:
// either being unreachable at cold start is fatal. The LLM and fetcher are
// not: their absence starts the service in degraded mode, answering only
// from the semantic cache and declining new admissions, with no restart
// required once they recover.
package health

import (
	"context"
	"fmt"

	"github.com/syriaqa/qapipeline/embedding"
	"github.com/syriaqa/qapipeline/llm"
)

// Status classifies one component's live reachability.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// ComponentReport is one component's live status as of the most recent check.
type ComponentReport struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the full aggregate, computed fresh on every call to Status.
type Report struct {
	Overall    Status            `json:"overall_status"`
	Components []ComponentReport `json:"components"`
}

// VectorChecker is the subset of the vector index (C2) the gate needs.
type VectorChecker interface {
	EnsureCollection(ctx context.Context) error
}

// StoreChecker is the subset of the canonical store (C3) the gate needs.
type StoreChecker interface {
	Ping(ctx context.Context) error
}

// EmbedChecker is the subset of the embedding provider (C1) the gate needs.
type EmbedChecker interface {
	Health(ctx context.Context) embedding.HealthResult
}

// LLMChecker is the subset of the LLM client (C4) the gate needs.
type LLMChecker interface {
	Health(ctx context.Context) llm.HealthResult
}

// Gate aggregates component health. All four fields are required; there is
// no fetcher checker because C5 has no persistent connection to probe — its
// health is observed only through ingestion cycle reports.
type Gate struct {
	vector VectorChecker
	store  StoreChecker
	embed  EmbedChecker
	llm    LLMChecker
}

// New builds a Gate.
func New(vector VectorChecker, store StoreChecker, embed EmbedChecker, llm LLMChecker) *Gate {
	return &Gate{vector: vector, store: store, embed: embed, llm: llm}
}

// ColdStart verifies the load-bearing components (C2, C3) are reachable,
// creating the vector collection if absent. Returns a non-nil error if
// either is unreachable — the caller should refuse to start serving traffic.
// C1 and C4 are not probed here, so an unreachable LLM or embedding provider
// never fails cold start; their state is reported only by Status.
func (g *Gate) ColdStart(ctx context.Context) error {
	if err := g.vector.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("vector index unreachable at cold start: %w", err)
	}
	if err := g.store.Ping(ctx); err != nil {
		return fmt.Errorf("canonical store unreachable at cold start: %w", err)
	}
	return nil
}

// Status runs a live check of every component. Each call is independent, so
// a component that recovers between calls is reported healthy again without
// any restart or explicit promotion step.
func (g *Gate) Status(ctx context.Context) Report {
	components := []ComponentReport{
		g.checkVector(ctx),
		g.checkStore(ctx),
		g.checkEmbed(ctx),
		g.checkLLM(ctx),
	}

	overall := StatusHealthy
	for _, c := range components {
		switch c.Status {
		case StatusUnavailable:
			overall = StatusUnavailable
		case StatusDegraded:
			if overall != StatusUnavailable {
				overall = StatusDegraded
			}
		}
	}
	return Report{Overall: overall, Components: components}
}

func (g *Gate) checkVector(ctx context.Context) ComponentReport {
	if err := g.vector.EnsureCollection(ctx); err != nil {
		return ComponentReport{Name: "vector_index", Status: StatusUnavailable, Detail: err.Error()}
	}
	return ComponentReport{Name: "vector_index", Status: StatusHealthy}
}

func (g *Gate) checkStore(ctx context.Context) ComponentReport {
	if err := g.store.Ping(ctx); err != nil {
		return ComponentReport{Name: "canonical_store", Status: StatusUnavailable, Detail: err.Error()}
	}
	return ComponentReport{Name: "canonical_store", Status: StatusHealthy}
}

func (g *Gate) checkEmbed(ctx context.Context) ComponentReport {
	res := g.embed.Health(ctx)
	if !res.Reachable {
		return ComponentReport{Name: "embedding_provider", Status: StatusDegraded, Detail: "unreachable"}
	}
	return ComponentReport{Name: "embedding_provider", Status: StatusHealthy}
}

func (g *Gate) checkLLM(ctx context.Context) ComponentReport {
	res := g.llm.Health(ctx)
	if !res.Reachable {
		return ComponentReport{Name: "llm_provider", Status: StatusDegraded, Detail: "unreachable"}
	}
	if res.QuotaState == llm.QuotaExhausted {
		return ComponentReport{Name: "llm_provider", Status: StatusDegraded, Detail: "quota exhausted"}
	}
	return ComponentReport{Name: "llm_provider", Status: StatusHealthy}
}
