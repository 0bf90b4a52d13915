// Package pipeline resolves diary declarations in chat messages into
// retrieved diary content.
package pipeline

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kalambet/ragdiary/internal/composer"
	"github.com/kalambet/ragdiary/internal/declaration"
	"github.com/kalambet/ragdiary/internal/diary"
	"github.com/kalambet/ragdiary/internal/diarycache"
	"github.com/kalambet/ragdiary/internal/proxy"
	"github.com/kalambet/ragdiary/internal/reranking"
	"github.com/kalambet/ragdiary/internal/retrieval"
	"github.com/kalambet/ragdiary/internal/semgroup"
	"github.com/kalambet/ragdiary/internal/timeparse"
	"github.com/kalambet/ragdiary/internal/vecmath"
)

// Query weights of the latest user and assistant turns.
const (
	userWeight      = 0.7
	assistantWeight = 0.3
)

// Embedder produces an embedding for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is semantic nearest-neighbour search over one diary.
type Searcher interface {
	Search(ctx context.Context, diary string, vector []float32, topK int) ([]retrieval.ContextChunk, error)
}

// GroupActivator detects semantic groups and blends them into a query.
type GroupActivator interface {
	DetectAndActivateGroups(text string) map[string]semgroup.Activation
	GetEnhancedVector(ctx context.Context, query string, activated map[string]semgroup.Activation) ([]float32, error)
}

// DiaryReader reads diary content for full-text and time-range retrieval.
type DiaryReader interface {
	ReadAll(name string) (string, error)
	ScanRange(name string, r timeparse.Range) ([]diary.Entry, error)
}

// TagVectors holds per-diary thresholds and tag-enhanced vectors.
type TagVectors interface {
	Threshold(name string) float64
	Vector(name string) []float32
}

// TimeParser extracts time ranges from text.
type TimeParser interface {
	Parse(text string) []timeparse.Range
}

// Deps are the collaborators of an Orchestrator. Groups, Tags, Reranker and
// RerankSettings are optional.
type Deps struct {
	Embedder       Embedder
	Searcher       Searcher
	Diaries        DiaryReader
	Time           TimeParser
	Groups         GroupActivator
	Tags           func() TagVectors
	Reranker       reranking.Reranker
	RerankSettings reranking.SettingsSource
	Merge          Policy
}

// Metadata describes what one call resolved.
type Metadata struct {
	Declarations int
	Resolved     []string
	Skipped      []string
	DurationMs   int64
}

// Orchestrator is the message-processing entry point. It holds no
// per-request state; concurrent calls are safe if the collaborators are.
type Orchestrator struct {
	deps Deps
}

// New returns an Orchestrator. No I/O happens here.
func New(deps Deps) *Orchestrator {
	if deps.Time == nil {
		deps.Time = timeparse.New(timeparse.Beijing)
	}
	if deps.Reranker == nil {
		deps.Reranker = &reranking.NoOpReranker{}
	}
	if deps.Merge == (Policy{}) {
		deps.Merge = DefaultPolicy
	}
	return &Orchestrator{deps: deps}
}

// ProcessMessages replaces every diary declaration found in system messages
// with retrieved content. Messages without declarations are returned as is;
// retrieval failures degrade to empty substitutions or notices.
func (o *Orchestrator) ProcessMessages(ctx context.Context, msgs []composer.Message) []composer.Message {
	out, _ := o.process(ctx, msgs)
	return out
}

// Enrich runs ProcessMessages on a chat completion request. A request whose
// messages cannot be decoded is returned unchanged.
func (o *Orchestrator) Enrich(ctx context.Context, req proxy.ChatRequest) (proxy.ChatRequest, Metadata) {
	start := time.Now()
	msgs, err := composer.ParseMessages(req.Messages)
	if err != nil {
		slog.Warn("pipeline: cannot parse messages, forwarding original request", "error", err)
		return req, Metadata{}
	}
	processed, meta := o.process(ctx, msgs)
	meta.DurationMs = time.Since(start).Milliseconds()
	if meta.Declarations == 0 {
		return req, meta
	}
	raw, err := composer.MarshalMessages(processed)
	if err != nil {
		slog.Warn("pipeline: cannot encode messages, forwarding original request", "error", err)
		return req, meta
	}
	out := req
	out.Messages = raw
	return out, meta
}

// request is the state shared by every declaration of one call.
type request struct {
	query     []float32
	queryText string
	k         int
	ranges    []timeparse.Range
	tags      TagVectors
	meta      *Metadata
}

func (o *Orchestrator) process(ctx context.Context, msgs []composer.Message) ([]composer.Message, Metadata) {
	var meta Metadata
	targets := make(map[int][]string)
	for i, m := range msgs {
		if m.Role() != "system" {
			continue
		}
		segs := m.Segments()
		for _, s := range segs {
			if n := len(declaration.Scan(s)); n > 0 {
				meta.Declarations += n
				targets[i] = segs
			}
		}
	}
	if len(targets) == 0 {
		return msgs, meta
	}

	userText, aiText, hasAI := lastTurn(msgs)
	req := &request{
		queryText: userText,
		meta:      &meta,
	}
	if hasAI {
		req.queryText = aiText + "\n" + userText
	}
	req.query = o.queryVector(ctx, userText, aiText)

	out := make([]composer.Message, len(msgs))
	copy(out, msgs)

	if req.query == nil {
		slog.Warn("pipeline: no query embedding, stripping declarations")
		for i, segs := range targets {
			m := msgs[i].Clone()
			stripped := make([]string, len(segs))
			for j, s := range segs {
				stripped[j] = declaration.Strip(s)
			}
			m.SetSegments(stripped)
			out[i] = m
		}
		return out, meta
	}

	req.k = DynamicK(userText, aiText, hasAI)
	req.ranges = o.deps.Time.Parse(userText + "\n" + aiText)
	if o.deps.Tags != nil {
		req.tags = o.deps.Tags()
	}

	for i := range msgs {
		segs, ok := targets[i]
		if !ok {
			continue
		}
		processed := make(map[string]bool)
		resolved := make([]string, len(segs))
		for j, s := range segs {
			resolved[j] = declaration.Replace(s, declaration.Scan(s), func(d declaration.Declaration) string {
				if processed[d.DBName] {
					meta.Skipped = append(meta.Skipped, d.DBName)
					return composer.CircularNotice(d.DisplayName())
				}
				processed[d.DBName] = true
				return o.resolve(ctx, req, d)
			})
		}
		m := msgs[i].Clone()
		m.SetSegments(resolved)
		out[i] = m
	}
	return out, meta
}

// lastTurn returns the plain text of the last user message and of the
// nearest assistant message before it.
func lastTurn(msgs []composer.Message) (user, ai string, hasAI bool) {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role() == "user" {
			last = i
			break
		}
	}
	if last < 0 {
		return "", "", false
	}
	user = composer.PlainText(msgs[last].Text())
	for i := last - 1; i >= 0; i-- {
		if msgs[i].Role() == "assistant" {
			ai = composer.PlainText(msgs[i].Text())
			break
		}
	}
	return user, ai, ai != ""
}

func (o *Orchestrator) queryVector(ctx context.Context, userText, aiText string) []float32 {
	userVec := o.embed(ctx, userText)
	aiVec := o.embed(ctx, aiText)
	return vecmath.WeightedAverage([][]float32{userVec, aiVec}, []float64{userWeight, assistantWeight})
}

// embed returns nil for empty text or on failure.
func (o *Orchestrator) embed(ctx context.Context, text string) []float32 {
	if strings.TrimSpace(text) == "" || o.deps.Embedder == nil {
		return nil
	}
	vec, err := o.deps.Embedder.Embed(ctx, text)
	if err != nil {
		slog.Warn("pipeline: embedding failed", "error", err)
		return nil
	}
	return vec
}

func (o *Orchestrator) resolve(ctx context.Context, req *request, d declaration.Declaration) string {
	slog.Debug("pipeline: resolving declaration", "diary", d.DBName, "kind", d.Kind.String())
	req.meta.Resolved = append(req.meta.Resolved, d.DBName)
	switch d.Kind {
	case declaration.FullText:
		if !o.passesThreshold(ctx, req, d.DBName) {
			return ""
		}
		content, err := o.deps.Diaries.ReadAll(d.DBName)
		if err != nil {
			slog.Warn("pipeline: reading diary failed", "diary", d.DBName, "error", err)
			return ""
		}
		return declaration.Neutralize(content)
	case declaration.Hybrid:
		if !o.passesThreshold(ctx, req, d.DBName) {
			return ""
		}
		finalK := finalK(req.k, d.Mods.KMultiplier)
		chunks := o.search(ctx, d.DBName, req.query, o.fetchK(finalK, d.Mods.UseRerank))
		chunks = o.rank(ctx, req.queryText, chunks, finalK, d.Mods.UseRerank)
		return composer.FormatFlat(d.DisplayName(), toEntries(chunks))
	default:
		return o.resolveSemantic(ctx, req, d)
	}
}

func (o *Orchestrator) resolveSemantic(ctx context.Context, req *request, d declaration.Declaration) string {
	finalK := finalK(req.k, d.Mods.KMultiplier)
	vec := req.query

	var activated map[string]semgroup.Activation
	if d.Mods.UseGroup && o.deps.Groups != nil {
		activated = o.deps.Groups.DetectAndActivateGroups(req.queryText)
		if len(activated) > 0 {
			enhanced, err := o.deps.Groups.GetEnhancedVector(ctx, req.queryText, activated)
			if err != nil || enhanced == nil {
				slog.Warn("pipeline: group enhancement unavailable, using shared query", "diary", d.DBName, "error", err)
			} else {
				vec = enhanced
			}
		}
	}

	chunks := o.search(ctx, d.DBName, vec, o.fetchK(finalK, d.Mods.UseRerank))

	if d.Mods.UseTime && len(req.ranges) > 0 {
		chunks = o.rank(ctx, req.queryText, chunks, finalK, d.Mods.UseRerank)
		var timed []composer.Entry
		for _, r := range req.ranges {
			entries, err := o.deps.Diaries.ScanRange(d.DBName, r)
			if err != nil {
				slog.Warn("pipeline: time range scan failed", "diary", d.DBName, "error", err)
				continue
			}
			for _, e := range entries {
				timed = append(timed, composer.Entry{
					Text:   declaration.Neutralize(e.Content),
					Source: composer.SourceTime,
					Date:   e.Date,
				})
			}
		}
		merged := MergeEntries(toEntries(chunks), timed, o.deps.Merge)
		return composer.FormatTimeReport(d.DisplayName(), req.ranges, merged, activated)
	}

	chunks = o.rank(ctx, req.queryText, chunks, finalK, d.Mods.UseRerank)
	if d.Mods.UseGroup {
		return composer.FormatGroupReport(d.DisplayName(), toEntries(chunks), activated)
	}
	return composer.FormatFlat(d.DisplayName(), toEntries(chunks))
}

// passesThreshold gates full-text and hybrid declarations on the better of
// the diary name similarity and the tag-enhanced vector similarity.
func (o *Orchestrator) passesThreshold(ctx context.Context, req *request, name string) bool {
	threshold := diarycache.DefaultThreshold
	var tagVec []float32
	if req.tags != nil {
		threshold = req.tags.Threshold(name)
		tagVec = req.tags.Vector(name)
	}
	base := vecmath.CosineSimilarity(req.query, o.embed(ctx, name))
	enhanced := vecmath.CosineSimilarity(req.query, tagVec)
	sim := math.Max(base, enhanced)
	slog.Debug("pipeline: threshold gate", "diary", name, "similarity", sim, "threshold", threshold)
	return sim >= threshold
}

func (o *Orchestrator) search(ctx context.Context, name string, vec []float32, k int) []retrieval.ContextChunk {
	if o.deps.Searcher == nil {
		return nil
	}
	chunks, err := o.deps.Searcher.Search(ctx, name, vec, k)
	if err != nil {
		slog.Warn("pipeline: search failed", "diary", name, "error", err)
		return nil
	}
	return chunks
}

func (o *Orchestrator) fetchK(finalK int, rerank bool) int {
	if !rerank {
		return finalK
	}
	mult := reranking.DefaultMultiplier
	if o.deps.RerankSettings != nil {
		mult = o.deps.RerankSettings.Current().CandidateMultiplier()
	}
	return max(finalK, int(math.Round(float64(finalK)*mult)))
}

func (o *Orchestrator) rank(ctx context.Context, query string, chunks []retrieval.ContextChunk, finalK int, rerank bool) []retrieval.ContextChunk {
	if rerank {
		return o.deps.Reranker.Rerank(ctx, query, chunks, finalK)
	}
	if len(chunks) > finalK {
		chunks = chunks[:finalK]
	}
	return chunks
}

func finalK(k int, mult float64) int {
	if mult <= 0 {
		mult = 1
	}
	return max(1, int(math.Round(float64(k)*mult)))
}

func toEntries(chunks []retrieval.ContextChunk) []composer.Entry {
	out := make([]composer.Entry, 0, len(chunks))
	for _, c := range chunks {
		e := composer.Entry{Text: declaration.Neutralize(c.Text), Source: composer.SourceRAG}
		if !c.CreatedAt.IsZero() {
			e.Date = c.CreatedAt.UTC().Format(time.DateOnly)
		}
		out = append(out, e)
	}
	return out
}
