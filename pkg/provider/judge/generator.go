package judge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/cantara/pkg/provider/llm"
)

const (
	// HeuristicModel is the Model value on comments produced by the canned tier.
	HeuristicModel = "heuristic"

	// llmAttempts is the number of tries per LLM tier before moving on.
	llmAttempts = 2

	// backoffBase is the delay before the second try of a tier. Doubled per
	// extra attempt.
	backoffBase = time.Second

	defaultTemperature = 0.8
	defaultMaxTokens   = 200
)

// Scores is the measured result of one performance, as fed to the jury.
type Scores struct {
	// Overall is the aggregate score, 0..100. Drives the vote.
	Overall int

	// Pitch, Rhythm and Lyrics are the per-axis scores, 0..100.
	Pitch  float64
	Rhythm float64
	Lyrics float64

	// Title and Artist identify the song so comments can reference it.
	Title  string
	Artist string

	// SessionID varies the canned-comment pick between performances.
	SessionID string
}

// Comment is one persona's verdict.
type Comment struct {
	// Persona is the display name of the jury member.
	Persona string `json:"persona"`

	// Text is the comment in French.
	Text string `json:"comment"`

	// Vote is "yes" or "no", decided by the persona's threshold on the
	// overall score. Never left to the model.
	Vote string `json:"vote"`

	// Model names what produced the text: an LLM tier's model label or
	// HeuristicModel.
	Model string `json:"model"`

	// LatencyMS is the wall time spent producing this comment, including
	// failed tiers.
	LatencyMS int64 `json:"latency_ms"`
}

// tier is one rung of the generation ladder.
type tier struct {
	label    string
	provider llm.Provider
	attempts int
}

// Generator produces jury comments for a scored performance.
//
// It never fails: LLM tiers are optional and retried with backoff, and the
// final canned tier always yields a comment.
type Generator struct {
	tiers []tier
	log   *slog.Logger
	sleep func(context.Context, time.Duration) error
}

// Option configures a Generator.
type Option func(*Generator)

// WithPrimary adds the first LLM tier. The label tags comments with the model
// that wrote them, e.g. "llama-3.1-8b-instant".
func WithPrimary(label string, p llm.Provider) Option {
	return func(g *Generator) {
		g.tiers = append([]tier{{label: label, provider: p, attempts: llmAttempts}}, g.tiers...)
	}
}

// WithSecondary adds a fallback LLM tier tried after the primary.
func WithSecondary(label string, p llm.Provider) Option {
	return func(g *Generator) {
		g.tiers = append(g.tiers, tier{label: label, provider: p, attempts: llmAttempts})
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(g *Generator) { g.log = log }
}

// NewGenerator builds a Generator. With no options only the canned tier runs.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		log: slog.Default(),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Comments returns one verdict per persona, in presentation order. The slice
// always has len(Personas()) entries. The personas run concurrently so the
// jury's wall time is one comment, not three.
func (g *Generator) Comments(ctx context.Context, s Scores) []Comment {
	personas := Personas()
	out := make([]Comment, len(personas))
	var wg sync.WaitGroup
	for i, p := range personas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = g.comment(ctx, p, s)
		}()
	}
	wg.Wait()
	return out
}

// comment walks the tier ladder for one persona.
func (g *Generator) comment(ctx context.Context, p Persona, s Scores) Comment {
	start := time.Now()
	prompt := userPrompt(s)

	for _, t := range g.tiers {
		text, err := g.completeTier(ctx, t, p, prompt)
		if err != nil {
			g.log.Warn("judge tier failed",
				"persona", p.Name,
				"tier", t.label,
				"error", err)
			continue
		}
		return Comment{
			Persona:   p.Name,
			Text:      text,
			Vote:      p.Vote(s.Overall),
			Model:     t.label,
			LatencyMS: time.Since(start).Milliseconds(),
		}
	}

	return Comment{
		Persona:   p.Name,
		Text:      p.heuristicLine(s.Overall, s.SessionID+p.Name),
		Vote:      p.Vote(s.Overall),
		Model:     HeuristicModel,
		LatencyMS: time.Since(start).Milliseconds(),
	}
}

// completeTier runs one LLM tier with retries. An empty reply after think
// stripping counts as a failure.
func (g *Generator) completeTier(ctx context.Context, t tier, p Persona, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < t.attempts; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, backoffBase<<(attempt-1)); err != nil {
				return "", err
			}
		}
		resp, err := t.provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: p.systemPrompt,
			Messages:     []llm.Message{{Role: "user", Content: prompt}},
			Temperature:  defaultTemperature,
			MaxTokens:    defaultMaxTokens,
		})
		if err != nil {
			lastErr = err
			continue
		}
		text := StripThink(resp.Content)
		if text == "" {
			lastErr = fmt.Errorf("judge: empty completion")
			continue
		}
		return text, nil
	}
	return "", lastErr
}

// userPrompt renders the scores as the jury's briefing note.
func userPrompt(s Scores) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Un candidat vient de chanter « %s » de %s au karaoké.\n", s.Title, s.Artist)
	fmt.Fprintf(&b, "Score global : %d/100.\n", s.Overall)
	fmt.Fprintf(&b, "Justesse : %.0f/100. Rythme : %.0f/100. Paroles : %.0f/100.\n", s.Pitch, s.Rhythm, s.Lyrics)
	b.WriteString("Donne ton verdict dans ton style habituel.")
	return b.String()
}

// StripThink removes reasoning blocks some models emit before their answer.
// Closed <think>...</think> blocks are cut out. An unclosed <think> marker
// drops everything from the marker on, since a truncated reasoning dump is
// worse than a short comment.
func StripThink(s string) string {
	const openTag, closeTag = "<think>", "</think>"
	for {
		i := strings.Index(s, openTag)
		if i < 0 {
			break
		}
		j := strings.Index(s[i:], closeTag)
		if j < 0 {
			s = s[:i]
			break
		}
		s = s[:i] + s[i+j+len(closeTag):]
	}
	return strings.TrimSpace(s)
}
