// Package node holds the process plumbing shared by the capture and
// correlator commands: rendezvous setup and the run loop that drives a
// pipeline next to its admin server.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/corrstream/internal/config"
	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/danmuck/corrstream/internal/observability"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Node is one running process.
type Node struct {
	Name     string
	Pipeline *dataflow.Pipeline
	Admin    *observability.Admin
	Stream   stream.Options

	nc *nats.Conn
}

// New builds the stream options for rc. Keyed streams resolve through NATS
// when rc names a server and through the pipeline registry otherwise.
func New(ctx context.Context, name string, rc config.RendezvousConfig) (*Node, error) {
	n := &Node{Name: name, Pipeline: dataflow.NewPipeline()}
	n.Stream = stream.Options{
		Registry:      n.Pipeline.Registry(),
		AdvertiseHost: rc.AdvertiseHost,
	}
	if rc.NatsURL == "" {
		return n, nil
	}
	nc, err := nats.Connect(rc.NatsURL,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("node %s: nats connect: %w", name, err)
	}
	rv, err := stream.NewNATSRendezvous(ctx, nc, rc.Bucket)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("node %s: %w", name, err)
	}
	n.nc = nc
	n.Stream.Rendezvous = rv
	log.Info().Str("node", name).Str("nats", rc.NatsURL).Msg("node rendezvous on nats")
	return n, nil
}

// Serve attaches an admin server to the node.
func (n *Node) Serve(addr string, origins []string, stats func() any) {
	if addr == "" {
		return
	}
	n.Admin = observability.NewAdmin(observability.AdminConfig{
		App:         n.Name,
		Addr:        addr,
		CorsOrigins: origins,
		Stats:       stats,
	})
}

// Run drives the pipeline until it finishes or ctx ends. The admin server
// stops with the pipeline.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	if n.Admin != nil {
		actx, cancel := context.WithCancel(gctx)
		go func() {
			<-done
			cancel()
		}()
		g.Go(func() error { return n.Admin.Run(actx) })
	}
	g.Go(func() error {
		defer close(done)
		err := n.Pipeline.Run(gctx, 0)
		log.Info().Str("node", n.Name).Err(err).Msg("node pipeline finished")
		return err
	})
	return g.Wait()
}

func (n *Node) Close() {
	if n.nc != nil {
		n.nc.Close()
		n.nc = nil
	}
}
