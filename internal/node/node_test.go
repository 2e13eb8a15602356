package node

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/corrstream/internal/config"
	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/danmuck/corrstream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countdown struct {
	dm    *dataflow.DataManager
	left  int
	steps int
}

func (c *countdown) Name() string                       { return "countdown" }
func (c *countdown) Kind() dataflow.Kind                { return dataflow.KindSink }
func (c *countdown) DataManager() *dataflow.DataManager { return c.dm }
func (c *countdown) Preprocess(context.Context) error   { return nil }
func (c *countdown) Postprocess(context.Context) error  { return nil }
func (c *countdown) Process(context.Context) error {
	if c.left == 0 {
		return dataflow.ErrDone
	}
	c.left--
	c.steps++
	return nil
}

func TestNodeRunStopsAdminWithPipeline(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := New(ctx, "node-test", config.DefaultRendezvousConfig())
	require.NoError(t, err)
	assert.Same(t, n.Pipeline.Registry(), n.Stream.Registry)
	assert.Nil(t, n.Stream.Rendezvous)

	unit := &countdown{dm: dataflow.NewDataManager("countdown"), left: 3}
	require.NoError(t, n.Pipeline.Add(unit))
	n.Serve("127.0.0.1:0", nil, func() any { return unit.steps })
	require.NotNil(t, n.Admin)

	require.NoError(t, n.Run(ctx))
	assert.Equal(t, 3, unit.steps)
}

func TestNodeWithoutAdmin(t *testing.T) {
	testlog.Start(t)
	n, err := New(context.Background(), "bare", config.RendezvousConfig{})
	require.NoError(t, err)
	n.Serve("", nil, nil)
	assert.Nil(t, n.Admin)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, n.Run(ctx))
}
