package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seekerlab/seeker/pkg/idempotency"
	"github.com/seekerlab/seeker/pkg/models"
	"github.com/seekerlab/seeker/pkg/retrieval"
	"github.com/seekerlab/seeker/pkg/services"
	"github.com/seekerlab/seeker/pkg/version"
)

// syncPollInterval is how often a synchronous tool call re-reads its
// job while waiting for a terminal state.
const syncPollInterval = 500 * time.Millisecond

// docItemPrefix namespaces indexed documents apart from report items in
// the shared lexical index.
const docItemPrefix = "doc:"

// jobParamFields are the normalized argument names forwarded into the
// job's parameter blob. Control fields (async, force_new, idempotency
// key, notify URL) stay out so they never perturb the idempotency
// fingerprint or the executor.
var jobParamFields = []string{
	"query", "costPreference", "audienceLevel", "outputFormat",
	"includeSources", "maxLength", "seed", "contextReportId",
	"images", "textDocuments", "structuredData",
}

func handleResearch(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	return d.submitResearch(ctx, args)
}

func handleFollowUp(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	reportID := argInt64(args, "contextReportId")
	if _, err := d.deps.Reports.Get(ctx, reportID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return ErrorResult("not_found", fmt.Sprintf("report %d not found", reportID), false)
		}
		return serviceErrorResult(err)
	}
	return d.submitResearch(ctx, args)
}

// submitResearch enqueues a research job, applying the idempotency
// branch table, and either returns immediately (async) or waits for the
// terminal state (sync).
func (d *Dispatcher) submitResearch(ctx context.Context, args map[string]any) *ToolResult {
	params := make(map[string]any, len(jobParamFields))
	for _, f := range jobParamFields {
		if v, ok := args[f]; ok && v != nil {
			params[f] = v
		}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return serviceErrorResult(err)
	}

	in := services.EnqueueInput{
		Params:   paramsJSON,
		ForceNew: argBool(args, "force_new"),
	}
	if u := argString(args, "notifyUrl"); u != "" {
		in.NotifyURL = &u
	}

	if clientKey := argString(args, "idempotencyKey"); clientKey != "" {
		key, err := idempotency.SanitizeClientKey(clientKey)
		if err != nil {
			return ErrorResult("invalid_params", err.Error(), false)
		}
		in.IdempotencyKey = &key
	} else if d.deps.Config.Idempotency.Enabled {
		key, err := idempotency.DeriveKey(args)
		if err != nil {
			return serviceErrorResult(err)
		}
		in.IdempotencyKey = &key
	}

	out, err := d.deps.Jobs.Enqueue(ctx, in)
	if err != nil {
		return serviceErrorResult(err)
	}

	if !argBool(args, "async") {
		return d.waitForJob(ctx, out.Job.ID)
	}

	structured := map[string]any{
		"job_id":     out.Job.ID,
		"status":     string(out.Job.Status),
		"events_url": d.eventsURL(out.Job.ID),
	}
	switch {
	case out.Cached:
		structured["cached"] = true
		structured["result"] = rawAsAny(out.Job.Result)
	case out.ReplayedFailure:
		// The prior attempt failed and retry policy forbids another; the
		// caller sees the original failure, not a cache hit.
		structured["replayed_failure"] = true
		if out.Job.ErrorMessage != nil {
			structured["error_message"] = *out.Job.ErrorMessage
		}
	case out.ExistingJob:
		structured["existing_job"] = true
	}
	if out.RetryOf != "" {
		structured["retry_of"] = out.RetryOf
	}
	return TextResult(structured)
}

// waitForJob polls a job until it reaches a terminal state, bounded by
// the configured total job timeout.
func (d *Dispatcher) waitForJob(ctx context.Context, jobID string) *ToolResult {
	deadline := time.NewTimer(d.deps.Config.Queue.JobTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()

	for {
		job, err := d.deps.Jobs.Get(ctx, jobID)
		if err != nil {
			return serviceErrorResult(err)
		}
		if job.Status.IsTerminal() {
			return jobOutcomeResult(job)
		}

		select {
		case <-ctx.Done():
			return ErrorResult("canceled",
				fmt.Sprintf("caller disconnected; job %s continues, poll job_status", jobID), true)
		case <-deadline.C:
			return ErrorResult("timeout",
				fmt.Sprintf("job %s did not finish in time; poll job_status", jobID), true)
		case <-ticker.C:
		}
	}
}

// jobOutcomeResult shapes a terminal job into a tool result.
func jobOutcomeResult(job *models.Job) *ToolResult {
	switch job.Status {
	case models.JobStatusSucceeded:
		structured := map[string]any{
			"job_id": job.ID,
			"status": string(job.Status),
		}
		if result, ok := rawAsAny(job.Result).(map[string]any); ok {
			for k, v := range result {
				structured[k] = v
			}
		}
		return TextResult(structured)
	case models.JobStatusCanceled:
		return ErrorResult("job_canceled", fmt.Sprintf("job %s was canceled", job.ID), false)
	default:
		msg := "job failed"
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return ErrorResult("job_failed", msg, false)
	}
}

func handleRetrieve(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	resp, err := d.deps.Retriever.Retrieve(ctx, retrieval.Request{
		Query:  argString(args, "query"),
		K:      argInt(args, "limit"),
		Scope:  retrieval.Scope(argString(args, "scope")),
		Rerank: argBool(args, "rerank"),
	})
	if err != nil {
		return serviceErrorResult(err)
	}

	structured := map[string]any{
		"results":  resp.Results,
		"degraded": resp.Degraded,
	}
	if resp.Graph != nil {
		structured["graph"] = resp.Graph
	}
	return TextResult(structured)
}

func handleGraphQuery(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	maxHops := argInt(args, "maxHops")
	if maxHops <= 0 {
		maxHops = d.deps.Config.Retrieval.MaxHops
	}
	limit := argInt(args, "limit")
	if limit <= 0 {
		limit = 50
	}

	node, err := d.deps.Graph.FindNodeByName(ctx, argString(args, "node"), "")
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return ErrorResult("not_found", fmt.Sprintf("no graph node named %q", argString(args, "node")), false)
		}
		return serviceErrorResult(err)
	}

	neighbors, err := d.deps.Graph.Neighbors(ctx, node.ID, maxHops, limit)
	if err != nil {
		return serviceErrorResult(err)
	}
	return TextResult(map[string]any{
		"entity":        node,
		"relationships": neighbors,
	})
}

func handleJobStatus(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	job, err := d.deps.Jobs.Get(ctx, argString(args, "id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return ErrorResult("not_found", fmt.Sprintf("job %s not found", argString(args, "id")), false)
		}
		return serviceErrorResult(err)
	}

	structured := map[string]any{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"attempts":   job.Attempts,
		"created_at": job.CreatedAt,
		"events_url": d.eventsURL(job.ID),
	}
	if job.FinishedAt != nil {
		structured["finished_at"] = *job.FinishedAt
	}
	if job.Status == models.JobStatusSucceeded && len(job.Result) > 0 {
		structured["result"] = rawAsAny(job.Result)
	}
	if job.ErrorMessage != nil {
		structured["error_message"] = *job.ErrorMessage
	}
	return TextResult(structured)
}

func handleCancelJob(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	jobID := argString(args, "id")
	job, err := d.deps.Jobs.Cancel(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			return ErrorResult("not_found", fmt.Sprintf("job %s not found", jobID), false)
		case errors.Is(err, services.ErrNotCancellable):
			return ErrorResult("not_cancellable", fmt.Sprintf("job %s is already terminal", jobID), false)
		default:
			return serviceErrorResult(err)
		}
	}

	// Signal the in-flight executor, if this pod is running it.
	if d.deps.Pool != nil {
		d.deps.Pool.CancelJob(jobID)
	}

	return TextResult(map[string]any{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

func handleListJobs(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	limit := argInt(args, "limit")
	if limit <= 0 {
		limit = 20
	}
	jobs, err := d.deps.Jobs.ListRecent(ctx, models.JobStatus(argString(args, "status")), limit)
	if err != nil {
		return serviceErrorResult(err)
	}

	items := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		item := map[string]any{
			"job_id":     job.ID,
			"status":     string(job.Status),
			"attempts":   job.Attempts,
			"created_at": job.CreatedAt,
		}
		if job.FinishedAt != nil {
			item["finished_at"] = *job.FinishedAt
		}
		items = append(items, item)
	}
	return TextResult(map[string]any{"jobs": items, "count": len(items)})
}

func handleGetReport(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	report, err := d.deps.Reports.Get(ctx, argInt64(args, "id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return ErrorResult("not_found", fmt.Sprintf("report %d not found", argInt64(args, "id")), false)
		}
		return serviceErrorResult(err)
	}

	structured := map[string]any{
		"report_id":  report.ID,
		"query":      report.Query,
		"content":    report.Content,
		"created_at": report.CreatedAt,
	}
	if report.Rating != nil {
		structured["rating"] = *report.Rating
	}
	if len(report.Metadata) > 0 {
		structured["metadata"] = rawAsAny(report.Metadata)
	}
	return TextResult(structured)
}

func handleRateReport(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	id := argInt64(args, "id")
	if err := d.deps.Reports.Rate(ctx, id, argInt(args, "rating")); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return ErrorResult("not_found", fmt.Sprintf("report %d not found", id), false)
		}
		return serviceErrorResult(err)
	}
	return TextResult(map[string]any{"report_id": id, "rating": argInt(args, "rating")})
}

func handleListReports(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	limit := argInt(args, "limit")
	if limit <= 0 {
		limit = 20
	}
	reports, err := d.deps.Reports.ListRecent(ctx, limit)
	if err != nil {
		return serviceErrorResult(err)
	}

	items := make([]map[string]any, 0, len(reports))
	for _, r := range reports {
		items = append(items, map[string]any{
			"report_id":  r.ID,
			"query":      r.Query,
			"created_at": r.CreatedAt,
		})
	}
	return TextResult(map[string]any{"reports": items, "count": len(items)})
}

func handleIndexDocument(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	id := argString(args, "id")
	docID, err := d.deps.Indexer.Index(ctx, docItemPrefix+id, argString(args, "title"), argString(args, "content"))
	if err != nil {
		return serviceErrorResult(err)
	}
	return TextResult(map[string]any{"id": id, "doc_id": docID, "indexed": true})
}

func handleRemoveDocument(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	id := argString(args, "id")
	if err := d.deps.Indexer.Remove(ctx, docItemPrefix+id); err != nil {
		return serviceErrorResult(err)
	}
	return TextResult(map[string]any{"id": id, "removed": true})
}

func handleGraphAddNode(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	node, err := d.deps.Graph.UpsertNode(ctx,
		argString(args, "type"), argString(args, "name"), argString(args, "description"), nil)
	if err != nil {
		return serviceErrorResult(err)
	}
	return TextResult(map[string]any{"node": node})
}

func handleGraphAddEdge(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	source, err := d.deps.Graph.FindNodeByName(ctx, argString(args, "source"), "")
	if err != nil {
		return graphNodeError(err, argString(args, "source"))
	}
	target, err := d.deps.Graph.FindNodeByName(ctx, argString(args, "target"), "")
	if err != nil {
		return graphNodeError(err, argString(args, "target"))
	}

	weight := 1.0
	if v, ok := args["weight"].(float64); ok {
		weight = v
	}
	confidence := 1.0
	if v, ok := args["confidence"].(float64); ok {
		confidence = v
	}

	edge, err := d.deps.Graph.UpsertEdge(ctx, source.ID, target.ID, argString(args, "relation"), weight, confidence)
	if err != nil {
		return serviceErrorResult(err)
	}
	return TextResult(map[string]any{"edge": edge})
}

func graphNodeError(err error, name string) *ToolResult {
	if errors.Is(err, services.ErrNotFound) {
		return ErrorResult("not_found", fmt.Sprintf("no graph node named %q; create it with graph_add_node first", name), false)
	}
	return serviceErrorResult(err)
}

func handleGetServerStatus(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	structured := map[string]any{
		"name":    version.AppName,
		"version": version.Full(),
		"mode":    string(d.deps.Config.Server.Mode),
	}

	if depth, err := d.deps.Jobs.QueueDepth(ctx); err == nil {
		structured["queue_depth"] = depth
	}
	if counts, err := d.deps.Jobs.CountByStatus(ctx); err == nil {
		byStatus := make(map[string]int, len(counts))
		for status, n := range counts {
			byStatus[string(status)] = n
		}
		structured["jobs_by_status"] = byStatus
	}
	if d.deps.Pool != nil {
		structured["pool"] = d.deps.Pool.Health()
	}
	return TextResult(structured)
}

func handlePing(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult {
	return TextResult(map[string]any{"status": "ok", "version": version.Full()})
}

// serviceErrorResult shapes an unexpected service failure. Validation
// errors are caller mistakes; everything else is reported transient so
// clients retry.
func serviceErrorResult(err error) *ToolResult {
	if services.IsValidationError(err) {
		return ErrorResult("invalid_params", err.Error(), false)
	}
	return ErrorResult("internal", err.Error(), true)
}

func rawAsAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
