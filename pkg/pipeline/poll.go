package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/mneme/internal/llm"
	"github.com/nous-labs/mneme/pkg/memory"
)

// Report summarizes one poll pass.
type Report struct {
	Promoted  int // queued jobs pushed provider-side
	Completed int
	Failed    int
	Pending   int
	Memories  int // memories stored from completed extractions
	Links     int // links created from completed classifications
	Errors    []string
}

// PollOnce advances every in-flight job one step: queued jobs are
// promoted provider-side (one per owner and kind), polling jobs are
// checked, and completed results are parsed, validated, and applied.
func (c *Coordinator) PollOnce(ctx context.Context) (*Report, error) {
	report := &Report{}

	for _, kind := range []string{memory.BatchExtraction, memory.BatchRelationship} {
		polling, err := c.store.ListBatches(ctx, kind, memory.BatchPolling)
		if err != nil {
			return report, err
		}
		busy := map[string]bool{}
		for _, b := range polling {
			busy[b.OwnerID] = true
			c.pollBatch(ctx, b, report)
		}

		// Promote queued jobs into freed slots, oldest first.
		queued, err := c.store.ListBatches(ctx, kind, memory.BatchSubmitted)
		if err != nil {
			return report, err
		}
		for i := len(queued) - 1; i >= 0; i-- {
			b := queued[i]
			if busy[b.OwnerID] {
				report.Pending++
				continue
			}
			if err := c.submitBatch(ctx, b); err != nil {
				slog.Warn("batch submit failed", "batch", b.ID, "error", err)
				continue
			}
			if b.Status == memory.BatchPolling {
				busy[b.OwnerID] = true
				report.Promoted++
			}
		}
	}
	return report, nil
}

// submitBatch pushes a queued job provider-side. Provider failures count
// against the retry ceiling; past it the job fails permanently.
func (c *Coordinator) submitBatch(ctx context.Context, b *memory.Batch) error {
	reqs, err := c.buildRequests(b)
	if err != nil {
		// The locally persisted payload is unreadable — operator problem,
		// not a provider problem.
		c.failBatch(ctx, b, fmt.Sprintf("unusable payload: %v", err))
		return err
	}

	jobID, err := c.batch.Submit(ctx, reqs)
	if err != nil {
		b.Attempts++
		b.LastError = err.Error()
		if b.Attempts > c.cfg.RetryCeiling {
			c.failBatch(ctx, b, fmt.Sprintf("submit retries exhausted: %v", err))
			return err
		}
		if uerr := c.store.UpdateBatch(ctx, b); uerr != nil {
			return uerr
		}
		return err
	}

	b.JobID = jobID
	b.Status = memory.BatchPolling
	b.LastError = ""
	if err := c.store.UpdateBatch(ctx, b); err != nil {
		return err
	}
	slog.Info("batch submitted", "batch", b.ID, "kind", b.Kind, "job", jobID)
	return nil
}

// buildRequests reconstructs the prompt set from the persisted payload.
func (c *Coordinator) buildRequests(b *memory.Batch) ([]llm.BatchRequest, error) {
	switch b.Kind {
	case memory.BatchExtraction:
		var payload extractionPayload
		if err := json.Unmarshal([]byte(b.Payload), &payload); err != nil {
			return nil, fmt.Errorf("decode extraction payload: %w", err)
		}
		reqs := make([]llm.BatchRequest, 0, len(payload.Chunks))
		for i, chunk := range payload.Chunks {
			reqs = append(reqs, llm.BatchRequest{
				CustomID: fmt.Sprintf("chunk-%d", i),
				System:   llm.ExtractionSystem,
				Prompt:   llm.ExtractionPrompt(chunk, payload.PinnedText),
			})
		}
		return reqs, nil

	case memory.BatchRelationship:
		var payload classificationPayload
		if err := json.Unmarshal([]byte(b.Payload), &payload); err != nil {
			return nil, fmt.Errorf("decode classification payload: %w", err)
		}
		reqs := make([]llm.BatchRequest, 0, len(payload.Pairs))
		for i, pair := range payload.Pairs {
			reqs = append(reqs, llm.BatchRequest{
				CustomID:  fmt.Sprintf("pair-%d", i),
				System:    llm.ClassificationSystem,
				Prompt:    llm.ClassificationPrompt(pair.NewText, pair.OldText),
				MaxTokens: 512,
			})
		}
		return reqs, nil

	default:
		return nil, fmt.Errorf("unknown batch kind %q", b.Kind)
	}
}

// pollBatch checks one provider-side job and applies its results when it
// has ended.
func (c *Coordinator) pollBatch(ctx context.Context, b *memory.Batch, report *Report) {
	status, results, err := c.batch.Poll(ctx, b.JobID)
	if err != nil {
		b.Attempts++
		b.LastError = err.Error()
		if b.Attempts > c.cfg.RetryCeiling {
			c.failBatch(ctx, b, fmt.Sprintf("poll retries exhausted: %v", err))
			report.Failed++
			return
		}
		if uerr := c.store.UpdateBatch(ctx, b); uerr != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("update batch %s: %v", b.ID, uerr))
		}
		report.Pending++
		return
	}
	if status != llm.BatchEnded {
		report.Pending++
		return
	}

	var applyErr error
	switch b.Kind {
	case memory.BatchExtraction:
		applyErr = c.applyExtraction(ctx, b, results, report)
	case memory.BatchRelationship:
		applyErr = c.applyClassification(ctx, b, results, report)
	}
	if applyErr != nil {
		// Structurally invalid results are not retried; re-running the
		// same malformed payload cannot succeed.
		c.failBatch(ctx, b, fmt.Sprintf("malformed result: %v", applyErr))
		report.Failed++
		return
	}

	now := time.Now().UTC()
	b.Status = memory.BatchCompleted
	b.CompletedAt = &now
	b.LastError = ""
	if err := c.store.UpdateBatch(ctx, b); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("complete batch %s: %v", b.ID, err))
		return
	}
	report.Completed++
}
