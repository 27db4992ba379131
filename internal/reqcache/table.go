package reqcache

// StrategyTable maps a resource class to its partition and strategy. It is
// built once from config and never changes.
type StrategyTable struct {
	bindings map[ResourceClass]StrategyBinding
}

func NewStrategyTable(cfg Config) (*StrategyTable, error) {
	t := &StrategyTable{bindings: make(map[ResourceClass]StrategyBinding, len(cfg.Strategies))}
	for i, s := range cfg.Strategies {
		class, err := ParseResourceClass(s.Class)
		if err != nil {
			return nil, configError("strategies[%d]: %v", i, err)
		}
		kind, err := ParseStrategyKind(s.Strategy)
		if err != nil {
			return nil, configError("strategies[%d]: %v", i, err)
		}
		if _, dup := t.bindings[class]; dup {
			return nil, configError("strategies[%d]: class %s bound twice", i, class)
		}
		t.bindings[class] = StrategyBinding{Class: class, Partition: s.Partition, Strategy: kind}
	}
	return t, nil
}

// Lookup returns the binding for class. ok is false when the class is not
// bound, in which case the request passes straight through.
func (t *StrategyTable) Lookup(class ResourceClass) (b StrategyBinding, ok bool) {
	b, ok = t.bindings[class]
	return b, ok
}

// Bindings returns every configured binding.
func (t *StrategyTable) Bindings() []StrategyBinding {
	out := make([]StrategyBinding, 0, len(t.bindings))
	for _, b := range t.bindings {
		out = append(out, b)
	}
	return out
}
