package distributed

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// ClusterConfig configures an in-process Cluster.
type ClusterConfig struct {
	// Nodes is the number of rendering nodes.
	Nodes int

	// ThreadsPerNode is the worker count of each node.
	ThreadsPerNode int

	// Granularity is the node-local work-queue granularity.
	Granularity int

	// MasterGranularity is the master-tier work-queue granularity.
	MasterGranularity int
}

// Cluster wires a master and its rendering nodes over a LocalTransport.
// Rank 0 hosts the master; node i has rank i+1.
type Cluster struct {
	Master    *Master
	Transport *LocalTransport

	// MasterBalancer is the rank 0 balancer. A pipeline driving it begins
	// frames on Master instead of rendering.
	MasterBalancer *Balancer

	Nodes []*Balancer
}

// NewCluster builds the master and one Balancer per node.
func NewCluster(cfg ClusterConfig) (*Cluster, error) {
	if cfg.Nodes < 1 {
		return nil, errors.New("distributed: cluster needs at least one node")
	}
	t := NewLocalTransport(cfg.Nodes * 2)
	master := NewMaster(MasterConfig{
		Nodes:          cfg.Nodes,
		ThreadsPerNode: cfg.ThreadsPerNode,
		Granularity:    cfg.MasterGranularity,
	})

	mb, err := New(Config{
		Topology:          Topology{Rank: 0, Size: cfg.Nodes + 1, Master: 0},
		Master:            master,
		ThreadsPerNode:    master.Config().ThreadsPerNode,
		MasterGranularity: master.Config().Granularity,
	})
	if err != nil {
		return nil, err
	}

	c := &Cluster{Master: master, Transport: t, MasterBalancer: mb}
	for i := range cfg.Nodes {
		b, err := New(Config{
			Topology:          Topology{Rank: i + 1, Size: cfg.Nodes + 1, Master: 0},
			Transport:         t,
			ThreadsPerNode:    master.Config().ThreadsPerNode,
			Granularity:       cfg.Granularity,
			MasterGranularity: master.Config().Granularity,
		})
		if err != nil {
			return nil, err
		}
		c.Nodes = append(c.Nodes, b)
	}
	return c, nil
}

// Run serves node requests until ctx is canceled, then closes the transport.
// Cancellation is not reported as an error.
func (c *Cluster) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Master.Serve(gctx, c.Transport)
	})
	g.Go(func() error {
		<-gctx.Done()
		return c.Transport.Close()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
