package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chorny/shardcache/kepaxos"
)

// HTTP is a minimal out-of-process transport: each peer runs Handler()
// behind a single POST endpoint. Unlike Memory, a reply is carried
// directly in the HTTP response body, so HTTP.Send feeds it straight
// back into the local engine rather than routing through a registry.
type HTTP struct {
	client *http.Client
	addrs  map[string]string // peer name -> base URL, e.g. "http://10.0.0.2:8090"
	engine *kepaxos.Engine
}

// NewHTTP returns a transport bound to engine (the local replica) and
// addrs (every peer's base URL, including entries for offline peers —
// those simply fail to connect).
func NewHTTP(engine *kepaxos.Engine, addrs map[string]string) *HTTP {
	return &HTTP{
		client: &http.Client{Timeout: 5 * time.Second},
		addrs:  addrs,
		engine: engine,
	}
}

// Send implements kepaxos.Callbacks.Send: POST payload to every
// recipient concurrently. An unreachable peer is dropped silently, the
// same semantics Memory gives an offline one.
func (h *HTTP) Send(recipients []string, payload []byte) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, r := range recipients {
		r := r
		g.Go(func() error {
			addr, ok := h.addrs[r]
			if !ok {
				return nil
			}
			resp, err := h.client.Post(addr+"/kepaxos", "application/octet-stream", bytes.NewReader(payload))
			if err != nil {
				return nil
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil || len(body) == 0 {
				return nil
			}
			return h.engine.ReceivedResponse(body)
		})
	}
	return g.Wait()
}

// Handler returns the endpoint peers POST wire frames to: it feeds the
// body into engine.ReceivedCommand and writes back whatever reply frame
// results (if any) as the HTTP response body.
func (h *HTTP) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp, err := h.engine.ReceivedCommand(body)
		if err != nil || resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write(resp)
	}
}
