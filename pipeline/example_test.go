package pipeline_test

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gogpu/framesched/balance"
	"github.com/gogpu/framesched/metrics"
	"github.com/gogpu/framesched/pipeline"
	"github.com/gogpu/framesched/traverse"
)

func ExampleWithMetrics() {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	r := traverse.RendererFunc(func(balance.RenderContext, *traverse.Tile) {})
	c := pipeline.New[string](r,
		pipeline.WithWorkers(2),
		pipeline.WithTileSize(32, 32),
		pipeline.WithMetrics(m),
	)
	c.AddChannel(128, 64)

	if err := c.Run(context.Background(), 3); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println("frames:", testutil.ToFloat64(m.Frames))
	fmt.Println("tiles:", testutil.ToFloat64(m.AssignmentItems.WithLabelValues("simple")))
	// Output:
	// frames: 3
	// tiles: 24
}
