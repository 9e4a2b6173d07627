// internal/assembler/assembler.go
package assembler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"agentloop/internal/config"
	"agentloop/internal/event"
	"agentloop/internal/transport"
	"agentloop/internal/workspace"
)

// Kind of a context item
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
	KindThread    Kind = "thread"
	KindImage     Kind = "image"
	KindSymbol    Kind = "symbol"
)

// imageTokenCost is the flat estimate charged per attached image
const imageTokenCost = 1600

// Item is one attachable piece of context. Content may be resolved up
// front or lazily through Resolver.
type Item struct {
	Kind     Kind                   `json:"kind"`
	Source   string                 `json:"source"`
	Content  string                 `json:"content,omitempty"`
	Resolver func() (string, error) `json:"-"`
	Explicit bool                   `json:"explicit"`

	resolved bool
}

// resolve fills Content from the resolver on first use
func (it *Item) resolve() error {
	if it.resolved || it.Resolver == nil {
		it.resolved = true
		return nil
	}
	content, err := it.Resolver()
	if err != nil {
		return err
	}
	it.Content = content
	it.resolved = true
	return nil
}

// Tokens estimates the item's token cost
func (it *Item) Tokens() int {
	if it.Kind == KindImage {
		return imageTokenCost
	}
	return EstimateTokens(it.Content)
}

// EstimateTokens approximates token count as bytes/4. Exact tokenization
// is a transport concern; the budget only needs a stable upper-ish bound.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Assembler builds the bounded context payload per turn and tracks
// cumulative token usage per thread.
type Assembler struct {
	ws  *workspace.Workspace
	hub *event.Hub
	cfg config.Runtime

	mu           sync.Mutex
	attached     map[string][]*Item // threadID -> explicit items
	usage        map[string]int     // threadID -> cumulative tokens
	warned       map[string]bool    // threadID -> near-limit already emitted
	autoDiscover bool
}

// New creates an assembler over the workspace
func New(ws *workspace.Workspace, hub *event.Hub, cfg config.Runtime) *Assembler {
	return &Assembler{
		ws:       ws,
		hub:      hub,
		cfg:      cfg,
		attached: make(map[string][]*Item),
		usage:    make(map[string]int),
		warned:   make(map[string]bool),
	}
}

// EnableAutoDiscovery toggles inclusion of auto-discovered files
func (a *Assembler) EnableAutoDiscovery(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.autoDiscover = on
}

// Attach adds explicit user-selected items to a thread
func (a *Assembler) Attach(threadID string, items ...*Item) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, it := range items {
		it.Explicit = true
		a.attached[threadID] = append(a.attached[threadID], it)
	}
}

// Attached returns the thread's explicit items
func (a *Assembler) Attached(threadID string) []*Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Item, len(a.attached[threadID]))
	copy(out, a.attached[threadID])
	return out
}

// FileItem builds a lazily resolved file context item
func (a *Assembler) FileItem(path string) *Item {
	return &Item{
		Kind:   KindFile,
		Source: path,
		Resolver: func() (string, error) {
			data, err := a.ws.ReadFile(path)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

// DirectoryItem builds an item listing a directory's entries
func (a *Assembler) DirectoryItem(path string) *Item {
	return &Item{
		Kind:   KindDirectory,
		Source: path,
		Resolver: func() (string, error) {
			entries, err := os.ReadDir(filepath.Join(a.ws.Root(), path))
			if err != nil {
				return "", err
			}
			var names []string
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			return strings.Join(names, "\n"), nil
		},
	}
}

// Assemble merges explicit and auto-discovered items into the bounded
// payload for one turn. historyTokens is the estimated size of the
// message history going out with the same request. Low-priority items are
// dropped first when the total would exceed the budget; being near (not
// over) the limit never fails the request.
func (a *Assembler) Assemble(threadID string, lastUserPrompt string, historyTokens int) ([]transport.ContextBlock, error) {
	a.mu.Lock()
	explicit := make([]*Item, len(a.attached[threadID]))
	copy(explicit, a.attached[threadID])
	auto := a.autoDiscover
	a.mu.Unlock()

	var items []*Item
	items = append(items, explicit...)
	if auto {
		items = append(items, a.discover(lastUserPrompt, explicit)...)
	}

	for _, it := range items {
		if err := it.resolve(); err != nil {
			log.Printf("[Assembler] dropping unresolvable %s item %s: %v", it.Kind, it.Source, err)
			it.Content = ""
		}
	}

	budget := a.cfg.ContextWindow - a.cfg.ResponseMargin - historyTokens
	if budget < 0 {
		budget = 0
	}

	items = fitBudget(items, budget)

	var blocks []transport.ContextBlock
	for _, it := range items {
		blocks = append(blocks, transport.ContextBlock{
			Kind:    string(it.Kind),
			Source:  it.Source,
			Content: it.Content,
		})
	}
	return blocks, nil
}

// fitBudget drops items until the estimate fits: auto-discovered first,
// then explicit items newest-last.
func fitBudget(items []*Item, budget int) []*Item {
	total := 0
	for _, it := range items {
		total += it.Tokens()
	}
	if total <= budget {
		return items
	}

	// Stable order: explicit before auto, both in attach order; trimming
	// walks from the back.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Explicit && !items[j].Explicit
	})
	for total > budget && len(items) > 0 {
		last := items[len(items)-1]
		total -= last.Tokens()
		items = items[:len(items)-1]
	}
	return items
}

var pathPattern = regexp.MustCompile(`[\w./_-]+\.[\w]+`)

// discover finds workspace files mentioned in the prompt that are not
// already attached. Only active when auto-discovery is enabled.
func (a *Assembler) discover(prompt string, explicit []*Item) []*Item {
	have := make(map[string]bool)
	for _, it := range explicit {
		have[it.Source] = true
	}

	var items []*Item
	for _, candidate := range pathPattern.FindAllString(prompt, -1) {
		if have[candidate] {
			continue
		}
		data, err := a.ws.ReadFile(candidate)
		if err != nil {
			continue
		}
		have[candidate] = true
		items = append(items, &Item{
			Kind:     KindFile,
			Source:   candidate,
			Content:  string(data),
			Explicit: false,
			resolved: true,
		})
	}
	return items
}

// RecordUsage adds a turn's token consumption to the thread's cumulative
// usage. Crossing the high-water fraction of the window emits a
// near-limit event exactly once until usage resets.
func (a *Assembler) RecordUsage(threadID string, tokens int) int {
	a.mu.Lock()
	a.usage[threadID] += tokens
	used := a.usage[threadID]
	window := a.cfg.ContextWindow
	crossed := window > 0 && float64(used) >= a.cfg.HighWaterFraction*float64(window) && !a.warned[threadID]
	if crossed {
		a.warned[threadID] = true
	}
	a.mu.Unlock()

	if crossed && a.hub != nil {
		a.hub.EmitNearLimit(threadID, used, window)
	}
	return used
}

// Usage returns the thread's cumulative token usage
func (a *Assembler) Usage(threadID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage[threadID]
}

// SetUsage overwrites the thread's usage, for threads loaded from history
func (a *Assembler) SetUsage(threadID string, tokens int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage[threadID] = tokens
	a.warned[threadID] = false
}

// Summarize condenses a thread's history into a single context item
// usable in a new thread. This is the only sanctioned compression of
// history; raw messages are never silently truncated. Usage for the
// thread resets to the summary's cost plus currently attached items.
func (a *Assembler) Summarize(ctx context.Context, t transport.Transport, threadID string, history []transport.Message) (*Item, error) {
	req := transport.Request{
		Model: a.cfg.Model,
		Messages: append([]transport.Message{{
			Role:    "user",
			Content: "Summarize the following conversation so it can seed a new conversation. Preserve decisions, open tasks and file names.",
		}}, history...),
	}

	summary, err := transport.Complete(ctx, t, req)
	if err != nil {
		return nil, fmt.Errorf("summarize thread %s: %w", threadID, err)
	}

	item := &Item{
		Kind:     KindThread,
		Source:   threadID,
		Content:  summary,
		resolved: true,
	}

	a.mu.Lock()
	total := item.Tokens()
	for _, it := range a.attached[threadID] {
		total += it.Tokens()
	}
	a.usage[threadID] = total
	a.warned[threadID] = false
	a.mu.Unlock()

	return item, nil
}
