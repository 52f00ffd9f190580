package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/mtzanidakis/batchchain/internal/chain"
	"github.com/mtzanidakis/batchchain/internal/config"
	"github.com/mtzanidakis/batchchain/internal/natsbus"
)

type fakeService struct {
	created []chain.NewChain
}

func (f *fakeService) Create(_ context.Context, in chain.NewChain) (*chain.Chain, error) {
	if in.Text == "" {
		return nil, chain.ErrEmptyText
	}
	f.created = append(f.created, in)
	return &chain.Chain{ID: "c1", Mode: in.Mode, Stage: chain.StageClassify}, nil
}

func (f *fakeService) Status(id string) (*chain.StatusView, error) {
	if id != "c1" {
		return nil, chain.ErrNotFound
	}
	return &chain.StatusView{ID: id, Stage: chain.StageSpecialists, Status: "specialists: waiting on 1 of 2 batches"}, nil
}

func (f *fakeService) Recent(limit int) ([]chain.StatusView, error) {
	return []chain.StatusView{{ID: "c1"}, {ID: "c0"}}[:min(limit, 2)], nil
}

func TestRoundTrip(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)

	svc := &fakeService{}
	if _, err := Serve(context.Background(), client, svc); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	resp, err := Call(bus.ClientURL(), TypeCreateChain, map[string]any{"text": "hello", "mode": "broadcast"}, 5*time.Second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.ID != "c1" || len(svc.created) != 1 || svc.created[0].Mode != chain.ModeBroadcast || svc.created[0].Source != "cli" {
		t.Errorf("unexpected create round trip: %+v %+v", resp, svc.created)
	}

	resp, err = Call(bus.ClientURL(), TypeChainStatus, map[string]any{"id": "c1"}, 5*time.Second)
	if err != nil || resp.Status == nil || resp.Status.Stage != chain.StageSpecialists {
		t.Errorf("unexpected status: %+v, %v", resp, err)
	}

	if _, err := Call(bus.ClientURL(), TypeChainStatus, map[string]any{"id": "nope"}, 5*time.Second); err == nil || err.Error() != "chain not found" {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestHandle(t *testing.T) {
	svc := &fakeService{}
	ctx := context.Background()

	if resp := Handle(ctx, svc, []byte(`{`)); resp.Error != "invalid request" {
		t.Errorf("expected invalid request, got %+v", resp)
	}
	if resp := Handle(ctx, svc, []byte(`{"type":"reboot"}`)); resp.Error == "" {
		t.Error("expected error for unknown type")
	}
	if resp := Handle(ctx, svc, []byte(`{"type":"create_chain","payload":{"text":""}}`)); resp.OK || resp.Error == "" {
		t.Errorf("expected empty text rejected, got %+v", resp)
	}
	resp := Handle(ctx, svc, []byte(`{"type":"list_chains","payload":{"limit":1}}`))
	if !resp.OK || len(resp.Chains) != 1 {
		t.Errorf("expected one chain, got %+v", resp)
	}
}
