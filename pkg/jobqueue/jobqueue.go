// Package jobqueue implements JobQueue & the Reembed Worker: durable,
// pollable background jobs layered over pkg/dataaccess.JobStore, and the
// two-phase embedding backfill/refresh pass spec.md §4.16 describes.
package jobqueue

import (
	"context"
	"strings"
	"time"

	"github.com/thinkhq/think/pkg/dataaccess"
	"github.com/thinkhq/think/pkg/eventbus"
	"github.com/thinkhq/think/pkg/llmgateway"
)

// JobStore is the narrow slice of dataaccess.JobStore jobqueue depends on.
type JobStore interface {
	Create(ctx context.Context, jobType string, params string) (string, error)
	Get(ctx context.Context, id string) (*dataaccess.Job, error)
	GetActive(ctx context.Context, jobType string) (*dataaccess.Job, error)
	Update(ctx context.Context, id string, upd dataaccess.JobUpdate) error
	MarkStarted(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, result string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	Cancel(ctx context.Context, id string) error
}

// MemoryStore is the narrow slice of dataaccess.MemoryStore the reembed
// worker depends on.
type MemoryStore interface {
	CountNeedingProcessing(ctx context.Context, currentModel string) (dataaccess.ProcessingCounts, error)
	GetWithoutEmbeddingSummary(ctx context.Context, limit int) ([]dataaccess.Memory, error)
	GetNeedingReembedding(ctx context.Context, currentModel string, limit int) ([]dataaccess.Memory, error)
	UpdateEmbeddingSummary(ctx context.Context, id int64, embeddingSummary string) error
	UpdateEmbedding(ctx context.Context, id int64, embedding []float32, model string) error
	IncrementProcessingAttempts(ctx context.Context, id int64) error
}

// LLM is the narrow slice of llmgateway.Gateway the reembed worker
// depends on, matching pkg/enrichment's LLM interface shape.
type LLM interface {
	Chat(ctx context.Context, message, contextBlock string, history []llmgateway.HistoryTurn) (string, *llmgateway.Usage, error)
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
	EmbeddingModel() string
}

// Publisher is satisfied by *eventbus.Bus.
type Publisher interface {
	Publish(e eventbus.Event)
}

const ReembedJobType = "reembed"

const (
	phase1BatchSize   = 5
	phase2BatchSize   = 10
	interItemCooldown = 20 * time.Millisecond
)

// Manager creates, tracks, and cancels jobs, and owns the reembed worker's
// background execution.
type Manager struct {
	jobs     JobStore
	memories MemoryStore
	llm      LLM
	bus      Publisher
}

// New builds a Manager.
func New(jobs JobStore, memories MemoryStore, llm LLM, bus Publisher) *Manager {
	return &Manager{jobs: jobs, memories: memories, llm: llm, bus: bus}
}

// GetJob loads a job by id.
func (m *Manager) GetJob(ctx context.Context, id string) (*dataaccess.Job, error) {
	return m.jobs.Get(ctx, id)
}

// GetActiveJob returns the most recent non-terminal job of jobType, or nil
// if none is active.
func (m *Manager) GetActiveJob(ctx context.Context, jobType string) (*dataaccess.Job, error) {
	return m.jobs.GetActive(ctx, jobType)
}

// CancelJob requests cooperative cancellation; the worker observes this at
// its next batch boundary.
func (m *Manager) CancelJob(ctx context.Context, id string) error {
	return m.jobs.Cancel(ctx, id)
}

// StartReembed creates a reembed job and runs it in a detached goroutine,
// or — per spec.md §6's "idempotent" requirement on POST /jobs/reembed —
// returns the id of an already-active reembed job without starting a
// second one.
func (m *Manager) StartReembed(ctx context.Context) (string, error) {
	active, err := m.jobs.GetActive(ctx, ReembedJobType)
	if err != nil {
		return "", err
	}
	if active != nil {
		return active.ID, nil
	}

	id, err := m.jobs.Create(ctx, ReembedJobType, "")
	if err != nil {
		return "", err
	}

	go m.runReembed(id)
	return id, nil
}

// runReembed drives the two-phase backfill against a detached context: the
// job must keep running after the HTTP/IPC call that started it returns.
func (m *Manager) runReembed(jobID string) {
	ctx := context.Background()

	if err := m.jobs.MarkStarted(ctx, jobID); err != nil {
		return
	}

	counts, err := m.memories.CountNeedingProcessing(ctx, m.llm.EmbeddingModel())
	if err != nil {
		_ = m.jobs.MarkFailed(ctx, jobID, err.Error())
		return
	}
	total := counts.NeedSummary + counts.NeedEmbedding
	if total == 0 {
		_ = m.jobs.MarkCompleted(ctx, jobID, "nothing to reembed")
		return
	}
	if err := m.jobs.Update(ctx, jobID, dataaccess.JobUpdate{Total: &total}); err != nil {
		_ = m.jobs.MarkFailed(ctx, jobID, err.Error())
		return
	}

	var processed, failed int
	if !m.runPhase1(ctx, jobID, total, &processed, &failed) {
		return
	}
	if !m.runPhase2(ctx, jobID, total, &processed, &failed) {
		return
	}

	_ = m.jobs.MarkCompleted(ctx, jobID, "reembed complete")
}

// runPhase1 generates embedding_summary (then embeds) for memories that
// have none, batch 5, per spec.md §4.16. Returns false if the job should
// stop entirely (cancellation or an update-persistence failure); a
// fully-failed batch ends the phase but still returns true so phase 2 runs.
func (m *Manager) runPhase1(ctx context.Context, jobID string, total int, processed, failed *int) bool {
	for {
		if cancelled, ok := m.checkCancelled(ctx, jobID); !ok {
			return false
		} else if cancelled {
			return false
		}

		batch, err := m.memories.GetWithoutEmbeddingSummary(ctx, phase1BatchSize)
		if err != nil || len(batch) == 0 {
			return true
		}

		batchFailed := 0
		for _, mem := range batch {
			if m.processPhase1Item(ctx, mem) {
				*processed++
			} else {
				*failed++
				batchFailed++
			}
			time.Sleep(interItemCooldown)
		}
		if !m.recordProgress(ctx, jobID, total, *processed, *failed) {
			return false
		}
		if batchFailed == len(batch) {
			return true
		}
	}
}

// runPhase2 re-embeds memories whose embedding is stale or missing relative
// to the current model, batch 10.
func (m *Manager) runPhase2(ctx context.Context, jobID string, total int, processed, failed *int) bool {
	model := m.llm.EmbeddingModel()
	for {
		if cancelled, ok := m.checkCancelled(ctx, jobID); !ok {
			return false
		} else if cancelled {
			return false
		}

		batch, err := m.memories.GetNeedingReembedding(ctx, model, phase2BatchSize)
		if err != nil || len(batch) == 0 {
			return true
		}

		batchFailed := 0
		for _, mem := range batch {
			if m.processPhase2Item(ctx, mem) {
				*processed++
			} else {
				*failed++
				batchFailed++
			}
			time.Sleep(interItemCooldown)
		}
		if !m.recordProgress(ctx, jobID, total, *processed, *failed) {
			return false
		}
		if batchFailed == len(batch) {
			return true
		}
	}
}

func (m *Manager) processPhase1Item(ctx context.Context, mem dataaccess.Memory) bool {
	content := ""
	if mem.Content != nil {
		content = *mem.Content
	} else if mem.Summary != nil {
		content = *mem.Summary
	}
	if strings.TrimSpace(content) == "" {
		_ = m.memories.IncrementProcessingAttempts(ctx, mem.ID)
		return false
	}

	summary, err := m.generateEmbeddingSummary(ctx, content)
	if err != nil {
		_ = m.memories.IncrementProcessingAttempts(ctx, mem.ID)
		return false
	}
	if err := m.memories.UpdateEmbeddingSummary(ctx, mem.ID, summary); err != nil {
		_ = m.memories.IncrementProcessingAttempts(ctx, mem.ID)
		return false
	}

	vec, err := m.llm.GetEmbedding(ctx, summary)
	if err != nil {
		_ = m.memories.IncrementProcessingAttempts(ctx, mem.ID)
		return false
	}
	if err := m.memories.UpdateEmbedding(ctx, mem.ID, vec, m.llm.EmbeddingModel()); err != nil {
		_ = m.memories.IncrementProcessingAttempts(ctx, mem.ID)
		return false
	}

	m.bus.Publish(eventbus.NewMemoryUpdated(mem.ID, nil))
	return true
}

func (m *Manager) processPhase2Item(ctx context.Context, mem dataaccess.Memory) bool {
	summary := ""
	if mem.EmbeddingSummary != nil {
		summary = *mem.EmbeddingSummary
	}
	if strings.TrimSpace(summary) == "" {
		_ = m.memories.IncrementProcessingAttempts(ctx, mem.ID)
		return false
	}

	vec, err := m.llm.GetEmbedding(ctx, summary)
	if err != nil {
		_ = m.memories.IncrementProcessingAttempts(ctx, mem.ID)
		return false
	}
	if err := m.memories.UpdateEmbedding(ctx, mem.ID, vec, m.llm.EmbeddingModel()); err != nil {
		_ = m.memories.IncrementProcessingAttempts(ctx, mem.ID)
		return false
	}

	m.bus.Publish(eventbus.NewMemoryUpdated(mem.ID, nil))
	return true
}

// generateEmbeddingSummary asks the LLM for a dense, search-friendly
// paraphrase, the same prompt shape pkg/enrichment's (unexported)
// generateEmbeddingSummary uses.
func (m *Manager) generateEmbeddingSummary(ctx context.Context, content string) (string, error) {
	reply, _, err := m.llm.Chat(ctx,
		"Produce a dense, keyword-rich paraphrase of the following note suited for semantic search embedding. Output only the paraphrase:\n\n"+content,
		"", nil)
	if err != nil {
		return "", err
	}
	return cleanLLMText(reply), nil
}

// checkCancelled polls the job's current status; ok is false if the status
// read itself failed (caller should stop), cancelled is true if the job was
// cancelled out from under the worker.
func (m *Manager) checkCancelled(ctx context.Context, jobID string) (cancelled, ok bool) {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return false, false
	}
	return job.Status == dataaccess.JobCancelled, true
}

// recordProgress recomputes and persists progress, capped at 99 until the
// job is actually marked completed.
func (m *Manager) recordProgress(ctx context.Context, jobID string, total, processed, failed int) bool {
	progress := 0
	if total > 0 {
		progress = 100 * (processed + failed) / total
	}
	if progress > 99 {
		progress = 99
	}
	err := m.jobs.Update(ctx, jobID, dataaccess.JobUpdate{
		Progress:  &progress,
		Processed: &processed,
		Failed:    &failed,
	})
	return err == nil
}
