package strategy

import (
	"go.uber.org/zap"

	"codeforge/internal/config"
	"codeforge/internal/types"
)

// Selector maps a classified task to a strategy and a model id. Pure table
// lookup, no I/O.
type Selector struct {
	cfg *config.Config
	log *zap.Logger

	singleShot *SingleShot
	iterative  *Iterative
	multiAgent *MultiAgent
}

// NewSelector builds the three strategies from config and wires them behind
// the selection table.
func NewSelector(cfg *config.Config, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{
		cfg:        cfg,
		log:        log.Named("selector"),
		singleShot: NewSingleShot(log),
		iterative: NewIterative(
			cfg.Strategies.IterativeMaxIterations,
			cfg.GetIterativeWallClock(),
			log),
		multiAgent: NewMultiAgent(
			cfg.Strategies.MultiAgentMaxSubtasks,
			cfg.GetMultiAgentWallClock(),
			log),
	}
}

// Select returns the strategy and model id for a classified task. A manual
// override naming a known strategy wins and flips cls.Source to override;
// an override intake let through that no longer resolves is ignored.
func (s *Selector) Select(task *types.Task, cls *types.Classification) (Strategy, string) {
	model := s.cfg.ModelForBand(cls.Complexity)

	if task.OverrideStrategy != "" {
		if st := s.byName(task.OverrideStrategy); st != nil {
			cls.Source = types.SourceOverride
			s.log.Debug("strategy overridden",
				zap.String("task_id", task.ID),
				zap.String("strategy", st.Name()))
			return st, model
		}
		s.log.Warn("unknown strategy override ignored",
			zap.String("task_id", task.ID),
			zap.String("override", task.OverrideStrategy))
	}

	switch cls.Complexity {
	case types.ComplexitySimple:
		return s.singleShot, model
	case types.ComplexityMedium:
		return s.iterative, model
	case types.ComplexityComplex, types.ComplexityEpic:
		return s.multiAgent, model
	default:
		// Unclassified bands land on the middle of the table.
		return s.iterative, model
	}
}

func (s *Selector) byName(name string) Strategy {
	switch name {
	case NameSingleShot:
		return s.singleShot
	case NameIterative:
		return s.iterative
	case NameMultiAgent:
		return s.multiAgent
	}
	return nil
}

// ComplexityForStrategy returns the band a forced strategy implies. Used when
// a manual override skips classification, so deadline and model tier stay
// consistent with the strategy actually run.
func ComplexityForStrategy(name string) types.Complexity {
	switch name {
	case NameSingleShot:
		return types.ComplexitySimple
	case NameIterative:
		return types.ComplexityMedium
	case NameMultiAgent:
		return types.ComplexityComplex
	}
	return types.ComplexityMedium
}
