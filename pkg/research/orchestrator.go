package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/events"
	"github.com/seekerlab/seeker/pkg/llm"
	"github.com/seekerlab/seeker/pkg/models"
	"github.com/seekerlab/seeker/pkg/queue"
	"github.com/seekerlab/seeker/pkg/retrieval"
	"github.com/seekerlab/seeker/pkg/services"
)

// Embedder is the slice of the embedding provider the orchestrator
// needs; nil disables report embeddings (backfilled later).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is the JSON blob stored as the job result and replayed for
// cached idempotent hits.
type Result struct {
	ReportID  int64              `json:"reportId"`
	Content   string             `json:"content"`
	Usage     models.UsageTotals `json:"usage"`
	SubAgents int                `json:"subAgents"`
	Failures  int                `json:"failures"`
}

// Orchestrator runs research jobs end to end. It implements
// queue.JobExecutor.
type Orchestrator struct {
	cfg       *config.Config
	llm       CompletionClient
	embedder  Embedder
	reports   *services.ReportService
	graph     *services.GraphService
	indexer   *retrieval.Indexer
	publisher *events.Publisher
	publicURL string
}

// NewOrchestrator wires the research pipeline. embedder and graph may
// be nil; the corresponding steps are skipped.
func NewOrchestrator(
	cfg *config.Config,
	client CompletionClient,
	embedder Embedder,
	reports *services.ReportService,
	graph *services.GraphService,
	indexer *retrieval.Indexer,
	publisher *events.Publisher,
	publicURL string,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		llm:       client,
		embedder:  embedder,
		reports:   reports,
		graph:     graph,
		indexer:   indexer,
		publisher: publisher,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// subAgentResult is one slot of the ensemble.
type subAgentResult struct {
	Index      int
	SubQuery   SubQuery
	Content    string
	Sources    []string
	Usage      models.UsageTotals
	Model      string
	Fallback   bool
	DurationMs int64
	OK         bool
	Err        error
}

// Execute runs the full pipeline: plan → fan-out → synthesis → persist.
// The context is canceled by the worker on shutdown, job timeout, and
// client cancellation; it is observed at every stage boundary and per
// streamed token batch.
func (o *Orchestrator) Execute(ctx context.Context, job *models.Job) *queue.ExecutionResult {
	p, err := ParseParams(job.Params)
	if err != nil {
		return &queue.ExecutionResult{Status: models.JobStatusFailed, Err: err}
	}
	log := slog.With("job_id", job.ID)

	seed := p.Seed
	if seed == nil && o.cfg.Research.DeterministicSeed {
		derived := DeriveSeed(job.ID)
		seed = &derived
	}

	var usage models.UsageTotals

	// Follow-up jobs seed planning with the prior report's content. A
	// missing report degrades to plain research rather than failing.
	var contextText string
	if p.ContextReportID > 0 {
		prior, err := o.reports.Get(ctx, p.ContextReportID)
		if err != nil {
			log.Warn("Follow-up context report unavailable",
				"report_id", p.ContextReportID, "error", err)
		} else {
			contextText = prior.Content
		}
	}

	if res := interrupted(ctx); res != nil {
		return res
	}
	o.progress(ctx, job.ID, "planning", 0, 1)
	subs, planResp := o.plan(ctx, p, contextText, seed)
	if planResp != nil {
		usage.Add(planResp.Usage)
	}
	o.progress(ctx, job.ID, "planning", 1, 1)
	log.Info("Research plan ready", "sub_queries", len(subs))

	if res := interrupted(ctx); res != nil {
		return res
	}
	results := o.fanOut(ctx, job.ID, p, subs, seed)

	var succeeded []subAgentResult
	failures := 0
	for _, r := range results {
		if r.OK {
			succeeded = append(succeeded, r)
			usage.Add(r.Usage)
		} else {
			failures++
		}
	}
	if len(succeeded) == 0 {
		if res := interrupted(ctx); res != nil {
			return res
		}
		return &queue.ExecutionResult{
			Status: models.JobStatusFailed,
			Err:    fmt.Errorf("all %d sub-agents failed", len(results)),
		}
	}

	if res := interrupted(ctx); res != nil {
		return res
	}
	o.progress(ctx, job.ID, "synthesis", 0, 1)
	content, synthResp, err := o.synthesize(ctx, job.ID, p, succeeded, seed)
	if err != nil {
		if res := interrupted(ctx); res != nil {
			return res
		}
		_ = o.publisher.PublishSynthesisError(ctx, job.ID,
			events.SynthesisErrorPayload{Error: err.Error()})
		return &queue.ExecutionResult{Status: models.JobStatusFailed, Err: err}
	}
	usage.Add(synthResp.Usage)
	o.progress(ctx, job.ID, "synthesis", 1, 1)

	if res := interrupted(ctx); res != nil {
		return res
	}

	// Past this point the work is done; persist even if a cancel lands
	// mid-write.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	reportID, err := o.persist(persistCtx, job, p, content, succeeded, usage)
	if err != nil {
		return &queue.ExecutionResult{Status: models.JobStatusFailed, Err: err}
	}

	result := Result{
		ReportID:  reportID,
		Content:   StripGraphMetadata(content),
		Usage:     usage,
		SubAgents: len(results),
		Failures:  failures,
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return &queue.ExecutionResult{Status: models.JobStatusFailed, Err: err}
	}
	return &queue.ExecutionResult{Status: models.JobStatusSucceeded, Result: raw}
}

// fanOut schedules the sub-agent ensemble through a FIFO-fair weighted
// semaphore bounding concurrency at ENSEMBLE_SIZE × PARALLELISM.
func (o *Orchestrator) fanOut(ctx context.Context, jobID string, p Params, subs []SubQuery, seed *int64) []subAgentResult {
	total := len(subs)
	results := make([]subAgentResult, total)
	sem := semaphore.NewWeighted(int64(o.cfg.MaxSubAgents()))

	var wg sync.WaitGroup
	var completed atomic.Int32
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub SubQuery) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = subAgentResult{Index: i, SubQuery: sub, Err: err}
				return
			}
			defer sem.Release(1)

			results[i] = o.runSubAgent(ctx, jobID, i, sub, p, seed)
			o.progress(ctx, jobID, "research", int(completed.Add(1)), total)
		}(i, sub)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) runSubAgent(ctx context.Context, jobID string, idx int, sub SubQuery, p Params, seed *int64) subAgentResult {
	model := o.modelFor(p.CostPreference)
	_ = o.publisher.PublishAgentStarted(ctx, jobID, events.AgentStartedPayload{
		Index: idx, SubQuery: sub.Query, Model: model,
	})

	agentCtx, cancel := context.WithTimeout(ctx, o.cfg.Research.SubAgentTimeout)
	defer cancel()

	start := time.Now()
	resp, err := o.llm.Complete(agentCtx, llm.CompletionRequest{
		Model:  model,
		System: subAgentSystem(p, sub),
		Prompt: sub.Query,
		Seed:   seed,
	})
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		_ = o.publisher.PublishAgentFailed(ctx, jobID, events.AgentFailedPayload{
			Index: idx, Model: model, Error: err.Error(),
		})
		return subAgentResult{Index: idx, SubQuery: sub, Model: model, DurationMs: elapsed, Err: err}
	}

	_ = o.publisher.PublishAgentCompleted(ctx, jobID, events.AgentCompletedPayload{
		Index: idx, Model: resp.Model, DurationMs: elapsed, Fallback: resp.FallbackUsed,
	})
	_ = o.publisher.PublishAgentUsage(ctx, jobID, events.AgentUsagePayload{
		Index:            idx,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	})

	return subAgentResult{
		Index:      idx,
		SubQuery:   sub,
		Content:    resp.Content,
		Sources:    ExtractSources(resp.Content),
		Usage:      resp.Usage,
		Model:      resp.Model,
		Fallback:   resp.FallbackUsed,
		DurationMs: elapsed,
		OK:         true,
	}
}

// synthesize streams the combined answer, journaling every chunk and a
// progress event every ProgressTokenInterval chunks. A fired
// cancellation aborts the stream via the onDelta error return.
func (o *Orchestrator) synthesize(ctx context.Context, jobID string, p Params, results []subAgentResult, seed *int64) (string, *llm.CompletionResponse, error) {
	synthCtx, cancel := context.WithTimeout(ctx, o.cfg.Research.SynthesisTimeout)
	defer cancel()

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Original question: %s\n\nResearch findings:\n", p.Query)
	for _, r := range results {
		fmt.Fprintf(&prompt, "\n[%s] %s\n%s\n", r.SubQuery.Tag, r.SubQuery.Query, r.Content)
	}

	tokens := 0
	resp, err := o.llm.Stream(synthCtx, llm.CompletionRequest{
		Model:  o.modelFor(p.CostPreference),
		System: synthesisSystem(p),
		Prompt: prompt.String(),
		Seed:   seed,
	}, func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tokens++
		o.publisher.PublishSynthesisToken(ctx, jobID, events.SynthesisTokenPayload{
			Delta: delta, Tokens: tokens,
		})
		if interval := o.cfg.Research.ProgressTokenInterval; interval > 0 && tokens%interval == 0 {
			_ = o.publisher.PublishProgress(ctx, jobID, events.ProgressPayload{
				Stage: "synthesis", Tokens: tokens, Total: 1,
			})
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return resp.Content, resp, nil
}

// persist writes the report row, feeds the BM25 index, applies any
// graph metadata, and journals report_saved plus a UI hint.
func (o *Orchestrator) persist(ctx context.Context, job *models.Job, p Params, content string, succeeded []subAgentResult, usage models.UsageTotals) (int64, error) {
	prose := StripGraphMetadata(content)

	var embedding []float32
	if o.embedder != nil {
		var err error
		embedding, err = o.embedder.Embed(ctx, prose)
		if err != nil {
			slog.Warn("Report embedding failed, saving without",
				"job_id", job.ID, "error", err)
			embedding = nil
		}
	}

	metaFields := map[string]any{
		"job_id":     job.ID,
		"usage":      usage,
		"sub_agents": len(succeeded),
	}
	if sources := collectSources(prose, succeeded); len(sources) > 0 {
		metaFields["sources"] = sources
	}
	meta, err := json.Marshal(metaFields)
	if err != nil {
		return 0, fmt.Errorf("marshaling report metadata: %w", err)
	}

	reportID, err := o.reports.Save(ctx, services.SaveReportInput{
		Query:     p.Query,
		Params:    job.Params,
		Content:   prose,
		Embedding: embedding,
		Metadata:  meta,
	})
	if err != nil {
		return 0, fmt.Errorf("saving report: %w", err)
	}

	if o.indexer != nil {
		if _, err := o.indexer.Index(ctx, retrieval.ReportItemID(reportID), p.Query, prose); err != nil {
			slog.Warn("Report indexing failed", "report_id", reportID, "error", err)
		}
	}
	if o.graph != nil {
		if meta := ExtractGraphMetadata(content); meta != nil {
			o.applyGraphMetadata(ctx, meta)
		}
	}

	_ = o.publisher.PublishReportSaved(ctx, job.ID, events.ReportSavedPayload{ReportID: reportID})
	if o.publicURL != "" {
		_ = o.publisher.PublishUIHint(ctx, job.ID, events.UIHintPayload{
			URL: fmt.Sprintf("%s/jobs/%s/events", o.publicURL, job.ID),
		})
	}
	return reportID, nil
}

// collectSources merges the citations of the synthesis prose and every
// sub-agent finding, deduplicated, synthesis first.
func collectSources(prose string, succeeded []subAgentResult) []string {
	seen := make(map[string]bool)
	var sources []string
	add := func(urls []string) {
		for _, u := range urls {
			if seen[u] {
				continue
			}
			seen[u] = true
			sources = append(sources, u)
		}
	}
	add(ExtractSources(prose))
	for _, r := range succeeded {
		add(r.Sources)
	}
	return sources
}

// applyGraphMetadata upserts extracted entities and relations. Errors
// are logged per item; graph writes never fail the job.
func (o *Orchestrator) applyGraphMetadata(ctx context.Context, meta *GraphMetadata) {
	ids := make(map[string]int64, len(meta.Entities))
	for _, e := range meta.Entities {
		nodeType := e.Type
		if nodeType == "" {
			nodeType = "entity"
		}
		node, err := o.graph.UpsertNode(ctx, nodeType, e.Name, e.Description, nil)
		if err != nil {
			slog.Warn("Graph node upsert failed", "name", e.Name, "error", err)
			continue
		}
		ids[strings.ToLower(e.Name)] = node.ID
	}

	for _, r := range meta.Relations {
		src, okS := ids[strings.ToLower(r.Source)]
		dst, okT := ids[strings.ToLower(r.Target)]
		if !okS || !okT {
			continue
		}
		weight := r.Weight
		if weight == 0 {
			weight = 1
		}
		confidence := r.Confidence
		if confidence == 0 {
			confidence = 1
		}
		if _, err := o.graph.UpsertEdge(ctx, src, dst, r.Relation, weight, confidence); err != nil {
			slog.Warn("Graph edge upsert failed",
				"source", r.Source, "target", r.Target, "error", err)
		}
	}
}

// modelFor maps the cost preference onto the configured model pair. Low
// cost requests run on the cheaper fallback model directly; anything
// else gets the primary with the client's transparent failover.
func (o *Orchestrator) modelFor(costPreference string) string {
	if costPreference == "high" || costPreference == "quality" {
		return o.cfg.Provider.Model
	}
	if o.cfg.Provider.FallbackModel != "" {
		return o.cfg.Provider.FallbackModel
	}
	return o.cfg.Provider.Model
}

func (o *Orchestrator) progress(ctx context.Context, jobID, stage string, completed, total int) {
	_ = o.publisher.PublishProgress(ctx, jobID, events.ProgressPayload{
		Stage: stage, Completed: completed, Total: total,
	})
}

// interrupted translates a fired job context into a terminal execution
// result: cancellation → canceled, job timeout → failed.
func interrupted(ctx context.Context) *queue.ExecutionResult {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &queue.ExecutionResult{
			Status: models.JobStatusFailed,
			Err:    fmt.Errorf("job timed out: %w", err),
		}
	default:
		return &queue.ExecutionResult{Status: models.JobStatusCanceled, Err: err}
	}
}

func subAgentSystem(p Params, sub SubQuery) string {
	var b strings.Builder
	b.WriteString("You are a focused research sub-agent. Answer the query thoroughly and factually.")
	if sub.Domain != "" {
		fmt.Fprintf(&b, " Domain focus: %s.", sub.Domain)
	}
	fmt.Fprintf(&b, " Write for an %s audience.", p.AudienceLevel)
	if p.IncludeSources {
		b.WriteString(" Cite sources inline where possible.")
	}
	return b.String()
}

func synthesisSystem(p Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Synthesize the research findings into a single %s for an %s audience.",
		p.OutputFormat, p.AudienceLevel)
	if p.MaxLength != nil {
		fmt.Fprintf(&b, " Keep it under %d words.", *p.MaxLength)
	}
	if p.IncludeSources {
		b.WriteString(" Preserve source citations.")
	}
	b.WriteString(` After the prose, append a fenced json block with {"entities":[{"name","type","description"}],"relations":[{"source","target","relation","weight","confidence"}]} capturing the key entities.`)
	return b.String()
}
