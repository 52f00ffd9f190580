// Package ipc lets the command line talk to a running server over the
// embedded NATS bus with request/reply messages.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/batchchain/internal/chain"
)

// Topic is the request subject served by the running server.
const Topic = "control.ipc"

const (
	TypeCreateChain = "create_chain"
	TypeChainStatus = "chain_status"
	TypeListChains  = "list_chains"
)

type Request struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Response struct {
	OK     bool               `json:"ok,omitempty"`
	Error  string             `json:"error,omitempty"`
	ID     string             `json:"id,omitempty"`
	Status *chain.StatusView  `json:"status,omitempty"`
	Chains []chain.StatusView `json:"chains,omitempty"`
}

// Service is the chain driver as the IPC handler uses it.
type Service interface {
	Create(ctx context.Context, in chain.NewChain) (*chain.Chain, error)
	Status(id string) (*chain.StatusView, error)
	Recent(limit int) ([]chain.StatusView, error)
}

type Subscriber interface {
	Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error)
}

// Serve answers IPC requests until the subscription is drained.
func Serve(ctx context.Context, sub Subscriber, svc Service) (*nats.Subscription, error) {
	return sub.Subscribe(Topic, func(msg *nats.Msg) {
		resp := Handle(ctx, svc, msg.Data)
		data, err := json.Marshal(resp)
		if err != nil {
			slog.Error("marshal ipc response", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn("ipc respond failed", "error", err)
		}
	})
}

// Handle decodes one request and runs it against svc.
func Handle(ctx context.Context, svc Service, data []byte) Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{Error: "invalid request"}
	}

	switch req.Type {
	case TypeCreateChain:
		text, _ := req.Payload["text"].(string)
		mode, _ := req.Payload["mode"].(string)
		c, err := svc.Create(ctx, chain.NewChain{Text: text, Mode: chain.Mode(mode), Source: "cli"})
		if err != nil {
			return Response{Error: err.Error()}
		}
		st := chain.Describe(c)
		return Response{OK: true, ID: c.ID, Status: &st}

	case TypeChainStatus:
		id, _ := req.Payload["id"].(string)
		st, err := svc.Status(id)
		if errors.Is(err, chain.ErrNotFound) {
			return Response{Error: "chain not found"}
		}
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, ID: id, Status: st}

	case TypeListChains:
		limit := 20
		if v, ok := req.Payload["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
		views, err := svc.Recent(limit)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Chains: views}
	}
	return Response{Error: fmt.Sprintf("unknown request type %q", req.Type)}
}

// Call sends one request to the server at natsURL and waits for the reply.
func Call(natsURL, reqType string, payload map[string]any, timeout time.Duration) (*Response, error) {
	conn, err := nats.Connect(natsURL, nats.Name("batchchain-cli"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(Request{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	msg, err := conn.Request(Topic, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}
