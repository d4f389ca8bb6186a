package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian/internal/transfer"
)

// LedgerPostProcessor is the extension point the posting pipeline calls
// after building the generic lines for a voucher. A processor returns the
// replacement set, or the input unchanged when it has nothing to do.
type LedgerPostProcessor interface {
	Name() string
	ProcessPostingLines(ctx context.Context, doc *transfer.Document, lines []Line) ([]Line, error)
}

// RepostHook is notified after the upstream valuation/ledger repost finishes
// for a voucher, so corrections can be coordinated without patching the
// upstream engine.
type RepostHook interface {
	AfterRepost(ctx context.Context, triggerID uuid.UUID, role transfer.Role, voucherID int64)
}

// Registry holds the registered processors and hooks. Registration is keyed
// by name and idempotent, so composing the engine twice cannot double-apply
// a processor.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]LedgerPostProcessor
	order      []string
	hooks      []RepostHook
	hookNames  map[string]bool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[string]LedgerPostProcessor),
		hookNames:  make(map[string]bool),
	}
}

// RegisterProcessor installs a post processor. Registering the same name
// again replaces the previous instance without changing its position.
func (r *Registry) RegisterProcessor(p LedgerPostProcessor) {
	if p == nil || p.Name() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[p.Name()]; !exists {
		r.order = append(r.order, p.Name())
	}
	r.processors[p.Name()] = p
}

// RegisterHook installs a repost hook under a unique name.
func (r *Registry) RegisterHook(name string, h RepostHook) {
	if h == nil || name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hookNames[name] {
		return
	}
	r.hookNames[name] = true
	r.hooks = append(r.hooks, h)
}

// Process runs every registered processor over the lines in registration
// order.
func (r *Registry) Process(ctx context.Context, doc *transfer.Document, lines []Line) ([]Line, error) {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	procs := make([]LedgerPostProcessor, 0, len(names))
	for _, name := range names {
		procs = append(procs, r.processors[name])
	}
	r.mu.RUnlock()

	var err error
	for _, p := range procs {
		lines, err = p.ProcessPostingLines(ctx, doc, lines)
		if err != nil {
			return nil, err
		}
	}
	return lines, nil
}

// NotifyRepost fans the upstream completion out to every hook.
func (r *Registry) NotifyRepost(ctx context.Context, triggerID uuid.UUID, role transfer.Role, voucherID int64) {
	r.mu.RLock()
	hooks := append([]RepostHook(nil), r.hooks...)
	r.mu.RUnlock()
	for _, h := range hooks {
		h.AfterRepost(ctx, triggerID, role, voucherID)
	}
}

// ProcessorNames lists the registered processors, sorted, for diagnostics.
func (r *Registry) ProcessorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}
