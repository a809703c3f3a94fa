package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gogpu/framesched/traverse"
)

const envPrefix = "FRAMEDEMO"

// config is the resolved command configuration.
type config struct {
	Strategy      string
	Workers       int
	Width         int
	Height        int
	Frames        int
	TileW, TileH  int
	Zoom          float64
	Output        string
	OutputScale   float64
	Label         bool
	Nodes         int
	CheckCoverage bool
	MetricsAddr   string
	LogLevel      slog.Level
}

// newRootCommand builds the command. Values come from flags, then
// FRAMEDEMO_* environment variables, then the optional config file.
func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "framedemo",
		Short: "Render a synthetic scene with a selectable load balancer",
		Long: `framedemo drives the framesched frame loop over a Mandelbrot scene whose
per-tile cost varies wildly, which makes the difference between static and
dynamic load balancing visible in the per-worker tile counts.

With --nodes the frame is split across an in-process cluster of rendering
nodes coordinated by a master, each node running its own frame loop.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path := v.GetString("config"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("framedemo: read config: %w", err)
				}
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.String("config", "", "config file (yaml, toml or json)")
	f.String("strategy", "workqueue", `load balancer spec, e.g. "cyclic" or "workqueue(-granularity 4)"`)
	f.Int("workers", 0, "worker goroutines per frame loop (0 = GOMAXPROCS)")
	f.Int("width", 640, "image width in pixels")
	f.Int("height", 480, "image height in pixels")
	f.Int("frames", 10, "frames to render (0 = until interrupted)")
	f.String("tile-size", "64x64", "tile size as WxH")
	f.Float64("zoom", 0.95, "zoom factor applied by a transaction after every frame")
	f.String("output", "", "write the last frame to this BMP file")
	f.Float64("output-scale", 1, "scale factor for the written image")
	f.Bool("label", false, "stamp frame statistics onto the written image")
	f.Int("nodes", 0, "render on an in-process cluster of this many nodes")
	f.Bool("check-coverage", false, "verify every tile is rendered exactly once per frame")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address while rendering")
	f.String("log-level", "warn", "log level: debug, info, warn or error")
	_ = v.BindPFlags(f)

	return cmd
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Strategy:      v.GetString("strategy"),
		Workers:       v.GetInt("workers"),
		Width:         v.GetInt("width"),
		Height:        v.GetInt("height"),
		Frames:        v.GetInt("frames"),
		Zoom:          v.GetFloat64("zoom"),
		Output:        v.GetString("output"),
		OutputScale:   v.GetFloat64("output-scale"),
		Label:         v.GetBool("label"),
		Nodes:         v.GetInt("nodes"),
		CheckCoverage: v.GetBool("check-coverage"),
		MetricsAddr:   v.GetString("metrics-addr"),
	}

	var err error
	if cfg.TileW, cfg.TileH, err = traverse.ParseResolution(v.GetString("tile-size")); err != nil {
		return config{}, fmt.Errorf("framedemo: tile-size: %w", err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return config{}, fmt.Errorf("framedemo: log-level: %w", err)
	}

	switch {
	case cfg.Width < 1 || cfg.Height < 1:
		return config{}, fmt.Errorf("framedemo: image size %dx%d must be positive", cfg.Width, cfg.Height)
	case cfg.Frames < 0:
		return config{}, errors.New("framedemo: frames must not be negative")
	case cfg.Nodes < 0:
		return config{}, errors.New("framedemo: nodes must not be negative")
	case cfg.Zoom <= 0:
		return config{}, errors.New("framedemo: zoom must be positive")
	case cfg.OutputScale <= 0:
		return config{}, errors.New("framedemo: output-scale must be positive")
	}
	return cfg, nil
}
