package proposal

import (
	"context"
	"testing"
)

type collectingProducer struct {
	ids []string
}

func (p *collectingProducer) Publish(_ context.Context, proposalID string) error {
	p.ids = append(p.ids, proposalID)
	return nil
}

func (p *collectingProducer) Close() error { return nil }

func TestRequeuePendingSkipsFinishedProposals(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, id := range []string{"p-1", "p-2", "p-3"} {
		if err := store.Create(ctx, sampleProposal(id, "agent-1")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "p-3"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkExecuted(ctx, "p-3", ExecutionRecord{SpendAmount: "1"}); err != nil {
		t.Fatalf("mark executed: %v", err)
	}

	producer := &collectingProducer{}
	requeued, err := RequeuePending(ctx, store, producer)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued != 2 {
		t.Fatalf("expected 2 requeued, got %d", requeued)
	}
	seen := map[string]bool{}
	for _, id := range producer.ids {
		seen[id] = true
	}
	if !seen["p-1"] || !seen["p-2"] || seen["p-3"] {
		t.Fatalf("unexpected requeue set: %v", producer.ids)
	}
}
