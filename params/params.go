// Package params loads run configuration from TOML files and resolves it
// into the concrete component configs the reconstruction pipeline consumes.
// Every field has a default, so a config file only needs the values it
// changes.
package params

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/zhouxl3/gaussian-splatting-cuda/dataset"
	"github.com/zhouxl3/gaussian-splatting-cuda/strategy"
	"github.com/zhouxl3/gaussian-splatting-cuda/training"
)

// Params is the root of a run configuration file.
type Params struct {
	Run          RunParams          `toml:"run" json:"run"`
	Optimization OptimizationParams `toml:"optimization" json:"optimization"`
	Strategy     StrategyParams     `toml:"strategy" json:"strategy"`
	Dataset      DatasetParams      `toml:"dataset" json:"dataset"`
}

// RunParams controls the loop budget and reporting.
type RunParams struct {
	Iterations      int    `toml:"iterations" json:"iterations"`
	CheckpointEvery int    `toml:"checkpoint_every" json:"checkpoint_every"`
	ProgressEvery   int    `toml:"progress_every" json:"progress_every"`
	OutputDir       string `toml:"output_dir" json:"output_dir"`
	Seed            uint64 `toml:"seed" json:"seed"`
	ShuffleViews    bool   `toml:"shuffle_views" json:"shuffle_views"`
	FinalCheckpoint bool   `toml:"final_checkpoint" json:"final_checkpoint"`
}

// OptimizationParams carries the learning rates and loss weights.
type OptimizationParams struct {
	MeansLRInit    float64   `toml:"means_lr_init" json:"means_lr_init"`
	MeansLRFinal   float64   `toml:"means_lr_final" json:"means_lr_final"`
	ScalesLR       float32   `toml:"scales_lr" json:"scales_lr"`
	QuatsLR        float32   `toml:"quats_lr" json:"quats_lr"`
	OpacitiesLR    float32   `toml:"opacities_lr" json:"opacities_lr"`
	SH0LR          float32   `toml:"sh0_lr" json:"sh0_lr"`
	SHNLR          float32   `toml:"shn_lr" json:"shn_lr"`
	LossLambda     float32   `toml:"loss_lambda" json:"loss_lambda"`
	OpacityReg     float32   `toml:"opacity_reg" json:"opacity_reg"`
	ScaleReg       float32   `toml:"scale_reg" json:"scale_reg"`
	SHUpgradeEvery int       `toml:"sh_upgrade_every" json:"sh_upgrade_every"`
	Background     []float32 `toml:"background" json:"background"`
}

// StrategyParams selects and tunes the densification policy.
type StrategyParams struct {
	Name             string  `toml:"name" json:"name"`
	RefineEvery      int     `toml:"refine_every" json:"refine_every"`
	RefineStart      int     `toml:"refine_start" json:"refine_start"`
	RefineStop       int     `toml:"refine_stop" json:"refine_stop"`
	MaxCap           int     `toml:"max_cap" json:"max_cap"`
	PruneOpacity     float32 `toml:"prune_opacity" json:"prune_opacity"`
	MaxPruneFraction float64 `toml:"max_prune_fraction" json:"max_prune_fraction"`
	RelocateFraction float64 `toml:"relocate_fraction" json:"relocate_fraction"`
	GrowthFactor     float64 `toml:"growth_factor" json:"growth_factor"`
	PositionJitter   float32 `toml:"position_jitter" json:"position_jitter"`
	NoiseLR          float32 `toml:"noise_lr" json:"noise_lr"`
}

// DatasetParams controls view preprocessing and model initialization.
type DatasetParams struct {
	Downscale       int     `toml:"downscale" json:"downscale"`
	MaxSHDegree     int     `toml:"max_sh_degree" json:"max_sh_degree"`
	InitSplats      int     `toml:"init_splats" json:"init_splats"`
	InitOpacity     float32 `toml:"init_opacity" json:"init_opacity"`
	ScaleMultiplier float32 `toml:"scale_multiplier" json:"scale_multiplier"`
}

// Default returns the full default configuration, assembled from the
// component defaults so the two never drift apart.
func Default() Params {
	tc := training.DefaultTrainerConfig()
	mc := strategy.DefaultMCMCConfig()
	return Params{
		Run: RunParams{
			Iterations:      tc.Iterations,
			CheckpointEvery: tc.CheckpointEvery,
			ProgressEvery:   tc.ProgressEvery,
			OutputDir:       "output",
			Seed:            tc.Seed,
			ShuffleViews:    tc.SamplerMode == dataset.Shuffle,
			FinalCheckpoint: tc.FinalCheckpoint,
		},
		Optimization: OptimizationParams{
			MeansLRInit:    tc.MeansLRInit,
			MeansLRFinal:   tc.MeansLRFinal,
			ScalesLR:       tc.ScalesLR,
			QuatsLR:        tc.QuatsLR,
			OpacitiesLR:    tc.OpacitiesLR,
			SH0LR:          tc.SH0LR,
			SHNLR:          tc.SHNLR,
			LossLambda:     tc.LossLambda,
			OpacityReg:     tc.OpacityReg,
			ScaleReg:       tc.ScaleReg,
			SHUpgradeEvery: tc.SHUpgradeEvery,
			Background:     []float32{0, 0, 0},
		},
		Strategy: StrategyParams{
			Name:             "mcmc",
			RefineEvery:      tc.RefineEvery,
			RefineStart:      tc.RefineStart,
			RefineStop:       tc.RefineStop,
			MaxCap:           mc.MaxCap,
			PruneOpacity:     mc.PruneOpacity,
			MaxPruneFraction: mc.MaxPruneFraction,
			RelocateFraction: mc.RelocateFraction,
			GrowthFactor:     mc.GrowthFactor,
			PositionJitter:   mc.PositionJitter,
			NoiseLR:          mc.NoiseLR,
		},
		Dataset: DatasetParams{
			Downscale:       1,
			MaxSHDegree:     3,
			InitSplats:      100_000,
			InitOpacity:     0.5,
			ScaleMultiplier: 1,
		},
	}
}

// Load reads a TOML config file over the defaults. Keys absent from the
// file keep their default values.
func Load(path string) (Params, error) {
	p := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("reading config: %v", err)
	}
	if err := toml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parsing config %s: %v", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("config %s: %v", path, err)
	}
	return p, nil
}

// Validate performs the structural checks that cannot wait for component
// constructors.
func (p *Params) Validate() error {
	if p.Run.Iterations <= 0 {
		return fmt.Errorf("run.iterations must be positive, got %d", p.Run.Iterations)
	}
	if p.Strategy.Name != "mcmc" && p.Strategy.Name != "none" {
		return fmt.Errorf("strategy.name must be \"mcmc\" or \"none\", got %q", p.Strategy.Name)
	}
	if len(p.Optimization.Background) != 0 && len(p.Optimization.Background) != 3 {
		return fmt.Errorf("optimization.background needs 3 channels, got %d", len(p.Optimization.Background))
	}
	if p.Dataset.Downscale < 1 {
		return fmt.Errorf("dataset.downscale must be at least 1, got %d", p.Dataset.Downscale)
	}
	if p.Dataset.MaxSHDegree < 0 || p.Dataset.MaxSHDegree > 3 {
		return fmt.Errorf("dataset.max_sh_degree must be in [0, 3], got %d", p.Dataset.MaxSHDegree)
	}
	if p.Dataset.InitSplats <= 0 {
		return fmt.Errorf("dataset.init_splats must be positive, got %d", p.Dataset.InitSplats)
	}
	return nil
}

// TrainerConfig resolves the trainer's view of the configuration.
func (p *Params) TrainerConfig() training.TrainerConfig {
	tc := training.DefaultTrainerConfig()
	tc.Iterations = p.Run.Iterations
	tc.CheckpointEvery = p.Run.CheckpointEvery
	tc.ProgressEvery = p.Run.ProgressEvery
	tc.Seed = p.Run.Seed
	tc.FinalCheckpoint = p.Run.FinalCheckpoint
	if p.Run.ShuffleViews {
		tc.SamplerMode = dataset.Shuffle
	} else {
		tc.SamplerMode = dataset.RoundRobin
	}

	tc.MeansLRInit = p.Optimization.MeansLRInit
	tc.MeansLRFinal = p.Optimization.MeansLRFinal
	tc.ScalesLR = p.Optimization.ScalesLR
	tc.QuatsLR = p.Optimization.QuatsLR
	tc.OpacitiesLR = p.Optimization.OpacitiesLR
	tc.SH0LR = p.Optimization.SH0LR
	tc.SHNLR = p.Optimization.SHNLR
	tc.LossLambda = p.Optimization.LossLambda
	tc.OpacityReg = p.Optimization.OpacityReg
	tc.ScaleReg = p.Optimization.ScaleReg
	tc.SHUpgradeEvery = p.Optimization.SHUpgradeEvery
	if len(p.Optimization.Background) == 3 {
		tc.Background = [3]float32{
			p.Optimization.Background[0],
			p.Optimization.Background[1],
			p.Optimization.Background[2],
		}
	}

	tc.RefineEvery = p.Strategy.RefineEvery
	tc.RefineStart = p.Strategy.RefineStart
	tc.RefineStop = p.Strategy.RefineStop
	return tc
}

// BuildStrategy constructs the configured densification policy.
func (p *Params) BuildStrategy() (strategy.Strategy, error) {
	switch p.Strategy.Name {
	case "none":
		return strategy.NoOp{}, nil
	case "mcmc":
		cfg := strategy.MCMCConfig{
			MaxCap:           p.Strategy.MaxCap,
			PruneOpacity:     p.Strategy.PruneOpacity,
			MaxPruneFraction: p.Strategy.MaxPruneFraction,
			RelocateFraction: p.Strategy.RelocateFraction,
			GrowthFactor:     p.Strategy.GrowthFactor,
			PositionJitter:   p.Strategy.PositionJitter,
			NoiseLR:          p.Strategy.NoiseLR,
			Seed:             p.Run.Seed,
		}
		return strategy.NewMCMC(cfg)
	default:
		return nil, fmt.Errorf("unknown strategy %q", p.Strategy.Name)
	}
}

// WriteResolved dumps the fully resolved configuration as JSON next to the
// run outputs, so a finished run records exactly what it trained with.
func (p *Params) WriteResolved(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding resolved params: %v", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing resolved params: %v", err)
	}
	return nil
}
