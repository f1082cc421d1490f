// Package generate produces the files of a static web application from a
// task brief.
//
// A Generator walks an ordered list of strategies and returns the first
// complete artifact set. The embedded template strategy always closes the
// chain, so generation never fails: upstream errors only degrade the output.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/esnunes/pagesmith/internal/llm"
	"github.com/esnunes/pagesmith/internal/metrics"
	"github.com/esnunes/pagesmith/internal/models"
)

// Input is everything a strategy may use to build an application.
type Input struct {
	Task        string
	Round       int
	Brief       string
	Checks      []string
	Attachments []models.Attachment
	// Prior is set for revisions.
	Prior *llm.Prior
	// Holder is the copyright holder written to LICENSE.
	Holder string
}

// Strategy is one way of producing an artifact set.
type Strategy interface {
	Name() string
	Generate(ctx context.Context, in Input) (models.ArtifactSet, error)
}

// Result is the generated artifact set and the strategy that produced it.
type Result struct {
	Artifacts models.ArtifactSet
	Strategy  string
}

type Generator struct {
	strategies []Strategy
	fallback   *TemplateStrategy
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type Option func(*Generator)

func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithClock overrides the clock used for the LICENSE year.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New returns a Generator trying strategies in order, then the template.
func New(strategies []Strategy, opts ...Option) *Generator {
	g := &Generator{
		strategies: strategies,
		fallback:   NewTemplateStrategy(),
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Strategies returns the names of the chain, template included.
func (g *Generator) Strategies() []string {
	names := make([]string, 0, len(g.strategies)+1)
	for _, s := range g.strategies {
		names = append(names, s.Name())
	}
	return append(names, g.fallback.Name())
}

// Generate returns a complete artifact set. It never fails.
func (g *Generator) Generate(ctx context.Context, in Input) Result {
	log := g.log.With("task", in.Task, "round", in.Round, "stage", "generate")

	for _, s := range g.strategies {
		set, err := g.try(ctx, s, in)
		if err != nil {
			log.Warn("generation strategy failed, falling through", "strategy", s.Name(), "error", err)
			g.metrics.GenerationFailed(s.Name())
			continue
		}
		log.Info("artifacts generated", "strategy", s.Name(), "files", len(set))
		g.metrics.Generated(s.Name())
		return Result{Artifacts: g.finish(set, in), Strategy: s.Name()}
	}

	set, err := g.try(ctx, g.fallback, in)
	if err != nil {
		log.Error("template rendering failed, using minimal page", "error", err)
		set = minimalArtifacts(in)
	}
	log.Info("artifacts generated", "strategy", g.fallback.Name(), "files", len(set))
	g.metrics.Generated(g.fallback.Name())
	return Result{Artifacts: g.finish(set, in), Strategy: g.fallback.Name()}
}

// try runs one strategy, turning panics and incomplete sets into errors.
func (g *Generator) try(ctx context.Context, s Strategy, in Input) (set models.ArtifactSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			set, err = nil, fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	set, err = s.Generate(ctx, in)
	if err != nil {
		return nil, err
	}
	if !set.Complete() {
		return nil, fmt.Errorf("strategy returned an incomplete artifact set")
	}
	return set, nil
}

// finish copies set and adds the LICENSE on the initial round.
func (g *Generator) finish(set models.ArtifactSet, in Input) models.ArtifactSet {
	out := make(models.ArtifactSet, len(set)+1)
	for name, content := range set {
		out[name] = content
	}
	if in.Round <= 1 {
		if _, ok := out[models.FileLicense]; !ok {
			out[models.FileLicense] = renderLicense(g.now().Year(), in.Holder)
		}
	}
	return out
}

// GatewayStrategy asks an LLM gateway for the application.
type GatewayStrategy struct {
	completer Completer
}

// Completer is a text-generation endpoint.
type Completer interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

func NewGatewayStrategy(c Completer) *GatewayStrategy {
	return &GatewayStrategy{completer: c}
}

func (s *GatewayStrategy) Name() string {
	return s.completer.Name()
}

func (s *GatewayStrategy) Generate(ctx context.Context, in Input) (models.ArtifactSet, error) {
	system, user := llm.GenerationSystemPrompt, llm.InitialPrompt(in.Brief, in.Checks, in.Attachments)
	if in.Prior != nil {
		system, user = llm.RevisionSystemPrompt, llm.RevisionPrompt(in.Brief, in.Checks, in.Attachments, *in.Prior)
	}
	raw, err := s.completer.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	return llm.ParseArtifacts(raw)
}
