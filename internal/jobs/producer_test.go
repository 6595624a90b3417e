package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"ratewatch/internal/models"
)

type captureTransport struct {
	batches [][][]byte
	failAt  int // fail the Nth send (1-based); 0 never fails
}

func (t *captureTransport) SendBatch(_ context.Context, bodies [][]byte) error {
	if t.failAt > 0 && len(t.batches)+1 == t.failAt {
		return fmt.Errorf("transport unavailable")
	}
	t.batches = append(t.batches, bodies)
	return nil
}

func TestEnqueueSplitsIntoBoundedBatches(t *testing.T) {
	transport := &captureTransport{}
	producer := NewProducer(transport, 100, nil)

	tasks := make([]HistoricalTask, 250)
	for i := range tasks {
		tasks[i] = HistoricalTask{
			TaskID:         fmt.Sprintf("task-%03d", i),
			Dataset:        models.DatasetMortgage,
			LenderCode:     "anz",
			CollectionDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	result, err := producer.EnqueueHistoricalTaskJobs(context.Background(), "run-1", models.RunSourceScheduled, tasks)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if result.Total != 250 {
		t.Fatalf("total = %d, want 250", result.Total)
	}
	sizes := []int{}
	for _, b := range transport.batches {
		sizes = append(sizes, len(b))
	}
	if len(sizes) != 3 || sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Fatalf("batch sizes = %v, want [100 100 50]", sizes)
	}
}

func TestEnqueueDailyLenderJobsPerLenderBreakdown(t *testing.T) {
	transport := &captureTransport{}
	producer := NewProducer(transport, 100, nil)
	lenders := []models.Lender{{Code: "anz"}, {Code: "cba"}, {Code: "nab"}}
	date := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)

	result, err := producer.EnqueueDailyLenderJobs(context.Background(), "run-1", models.RunSourceScheduled, lenders, date)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if result.Total != 3 {
		t.Fatalf("total = %d, want 3", result.Total)
	}
	for _, code := range []string{"anz", "cba", "nab"} {
		if result.PerLender[code] != 1 {
			t.Fatalf("lender %s count = %d, want 1", code, result.PerLender[code])
		}
	}

	var job models.Job
	if err := json.Unmarshal(transport.batches[0][0], &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.Kind != models.KindDailyLenderFetch || job.CollectionDate != "2026-02-20" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.IdempotencyKey == "" {
		t.Fatalf("idempotency key must be set")
	}
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	a := models.IdempotencyKey(models.KindBackfillDayFetch, "run-1", "anz", "2020-05-01")
	b := models.IdempotencyKey(models.KindBackfillDayFetch, "run-1", "anz", "2020-05-01")
	if a != b {
		t.Fatalf("same inputs must map to the same key")
	}
	c := models.IdempotencyKey(models.KindBackfillDayFetch, "run-1", "anz", "2020-05-02")
	if a == c {
		t.Fatalf("different scope must change the key")
	}
	d := models.IdempotencyKey(models.KindBackfillSnapshotFetch, "run-1", "anz", "2020-05-01")
	if a == d {
		t.Fatalf("different kind must change the key")
	}
}

func TestEnqueueReportsCountsSentBeforeFailure(t *testing.T) {
	transport := &captureTransport{failAt: 2}
	producer := NewProducer(transport, 100, nil)

	tasks := make([]HistoricalTask, 150)
	for i := range tasks {
		tasks[i] = HistoricalTask{TaskID: fmt.Sprintf("t-%d", i), Dataset: models.DatasetSavings, LenderCode: "ing", CollectionDate: time.Now()}
	}
	result, err := producer.EnqueueHistoricalTaskJobs(context.Background(), "run-1", models.RunSourceManual, tasks)
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if result.Total != 100 {
		t.Fatalf("total = %d, want the 100 jobs that made it out", result.Total)
	}
}
