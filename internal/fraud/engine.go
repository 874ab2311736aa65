package fraud

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
)

type Engine struct {
	logger   *slog.Logger
	registry *Registry
}

func NewEngine(logger *slog.Logger, registry *Registry) *Engine {
	return &Engine{logger: logger, registry: registry}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// Evaluate runs every rule and returns all triggered flags in registry order.
// A rule that panics is logged and treated as not triggered.
func (e *Engine) Evaluate(ctx context.Context, in Input) []entities.FraudFlag {
	flags := make([]entities.FraudFlag, 0, len(e.registry.rules))
	for _, rule := range e.registry.rules {
		triggered, err := detect(rule, in)
		if err != nil {
			e.logger.ErrorContext(ctx, "fraud rule execution failed", "rule", rule.Name, "error", err)
			continue
		}
		if triggered {
			flags = append(flags, entities.FraudFlag{Rule: rule.Name, Weight: rule.Weight})
		}
	}
	return flags
}

func detect(rule Rule, in Input) (triggered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %s panicked: %v", rule.Name, r)
		}
	}()
	return rule.Detect(in), nil
}
