package manager

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arkilian/featureindex/internal/config"
	"github.com/arkilian/featureindex/internal/logging"
)

// ActionType represents the type of index action to perform.
type ActionType string

const (
	ActionIndex ActionType = "INDEX"
	ActionDrop  ActionType = "DROP"
)

// Action is one index build or drop for a table.
type Action struct {
	Type  ActionType
	Table string
	Kind  Kind
}

// Policy keeps the configured index kinds of every feature table current.
type Policy struct {
	registry      *Registry
	kinds         []Kind
	tables        []string
	dropUnlisted  bool
	scanThreshold int64
	checkInterval time.Duration
	logger        *logging.Logger
	mu            sync.Mutex
}

// NewPolicy creates a policy from configuration.
func NewPolicy(registry *Registry, cfg config.PolicyConfig, logger *logging.Logger) (*Policy, error) {
	kinds, err := ParseKinds(cfg.Kinds)
	if err != nil {
		return nil, err
	}
	return &Policy{
		registry:      registry,
		kinds:         kinds,
		tables:        slices.Clone(cfg.Tables),
		dropUnlisted:  cfg.DropUnlisted,
		scanThreshold: int64(cfg.ScanThreshold),
		checkInterval: cfg.CheckInterval,
		logger:        logging.OrNoop(logger),
	}, nil
}

// Run starts the background policy evaluation loop.
// It runs until the context is cancelled.
func (p *Policy) Run(ctx context.Context) {
	if p.checkInterval <= 0 {
		p.checkInterval = 5 * time.Minute
	}

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Warn("policy: evaluate failed", "error", err)
			}
		}
	}
}

// RunOnce evaluates every table and executes the resulting actions. It
// returns the actions that succeeded.
func (p *Policy) RunOnce(ctx context.Context) ([]Action, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.registry.Stats().Prune()
	actions, err := p.evaluate(ctx)
	if err != nil {
		return nil, err
	}

	var done []Action
	for _, action := range actions {
		if err := p.executeAction(ctx, action); err != nil {
			p.logger.Warn("policy: action failed",
				"action", string(action.Type), "table", action.Table, "kind", action.Kind.String(), "error", err)
			continue
		}
		done = append(done, action)
	}
	return done, nil
}

// evaluate determines which tables need an index built or dropped.
func (p *Policy) evaluate(ctx context.Context) ([]Action, error) {
	tables := p.tables
	if len(tables) == 0 {
		var err error
		if tables, err = p.registry.Tables(ctx); err != nil {
			return nil, fmt.Errorf("failed to list feature tables: %w", err)
		}
	}

	var actions []Action
	for _, table := range tables {
		hot := p.hot(table)
		m, err := p.registry.Get(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to open manager for %s: %w", table, err)
		}
		for _, k := range m.allKinds() {
			indexed, err := m.IsIndexed(ctx, k)
			if err != nil {
				return nil, fmt.Errorf("failed to check %s index of %s: %w", k, table, err)
			}
			listed := slices.Contains(p.kinds, k)
			switch {
			case listed && !indexed && hot:
				actions = append(actions, Action{Type: ActionIndex, Table: table, Kind: k})
			case !listed && indexed && p.dropUnlisted:
				actions = append(actions, Action{Type: ActionDrop, Table: table, Kind: k})
			}
		}
	}
	return actions, nil
}

// hot reports whether table was scanned often enough to be indexed. Without
// a threshold every table qualifies.
func (p *Policy) hot(table string) bool {
	if p.scanThreshold <= 0 {
		return true
	}
	s, ok := p.registry.Stats().Table(table)
	return ok && s.Scans >= p.scanThreshold
}

// executeAction performs the specified index action.
func (p *Policy) executeAction(ctx context.Context, action Action) error {
	m, err := p.registry.Get(ctx, action.Table)
	if err != nil {
		return err
	}
	switch action.Type {
	case ActionIndex:
		n, err := m.Index(ctx, action.Kind, false)
		if err != nil {
			return fmt.Errorf("failed to index %s: %w", action.Table, err)
		}
		p.registry.Stats().Reset(action.Table)
		p.logger.Info("policy: indexed table", "table", action.Table, "kind", action.Kind.String(), "rows", n)
		return nil
	case ActionDrop:
		if _, err := m.DeleteIndex(ctx, action.Kind); err != nil {
			return fmt.Errorf("failed to drop index of %s: %w", action.Table, err)
		}
		p.logger.Info("policy: dropped index", "table", action.Table, "kind", action.Kind.String())
		return nil
	default:
		return fmt.Errorf("unknown action type: %s", action.Type)
	}
}
