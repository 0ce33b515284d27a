// Package workflow compiles the configured status machine into lookup tables
// consulted by the transition engine.
package workflow

import (
	"fmt"
	"sort"

	"caseflow/internal/config"
)

// Edge is one allowed move out of a status.
type Edge struct {
	From         string
	Action       string
	To           string
	Stage        string
	MinDocuments int
	Decision     bool
}

// Table is the compiled, read-only form of config.Workflow.
type Table struct {
	statuses     []string
	statusSet    map[string]struct{}
	initial      map[string]struct{}
	terminal     map[string]struct{}
	stages       []string
	stageIndex   map[string]int
	statusStages map[string]string
	edges        map[string]map[string]Edge
	actions      map[string]struct{}
	decisions    map[string]struct{}
	stamps       map[string]string
	requestInfo  string
	loopFrom     map[string]struct{}
	adjacency    map[string][]string
}

// New compiles cfg. cfg is validated first.
func New(cfg *config.Config) (*Table, error) {
	if cfg == nil {
		return nil, fmt.Errorf("workflow config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := cfg.Workflow
	t := &Table{
		statuses:     append([]string(nil), w.Statuses...),
		statusSet:    set(w.Statuses),
		initial:      set(w.Initial),
		terminal:     set(w.Terminal),
		stages:       append([]string(nil), w.Stages...),
		stageIndex:   make(map[string]int, len(w.Stages)),
		statusStages: make(map[string]string, len(w.StatusStages)),
		edges:        map[string]map[string]Edge{},
		actions:      map[string]struct{}{},
		decisions:    set(w.DecisionActions),
		stamps:       make(map[string]string, len(w.DecisionStamps)),
		requestInfo:  w.RequestInfo.Action,
		loopFrom:     set(w.RequestInfo.From),
		adjacency:    make(map[string][]string, len(cfg.Adjacency)),
	}
	for i, s := range w.Stages {
		t.stageIndex[s] = i
	}
	for k, v := range w.StatusStages {
		t.statusStages[k] = v
	}
	for k, v := range w.DecisionStamps {
		t.stamps[k] = v
	}
	for _, tr := range w.Transitions {
		t.actions[tr.Action] = struct{}{}
		for _, from := range tr.From {
			if t.edges[from] == nil {
				t.edges[from] = map[string]Edge{}
			}
			_, decision := t.decisions[tr.Action]
			t.edges[from][tr.Action] = Edge{
				From:         from,
				Action:       tr.Action,
				To:           tr.To,
				Stage:        tr.Stage,
				MinDocuments: tr.MinDocuments,
				Decision:     decision,
			}
		}
	}
	if t.requestInfo != "" {
		t.actions[t.requestInfo] = struct{}{}
	}
	for k, v := range cfg.Adjacency {
		t.adjacency[k] = append([]string(nil), v...)
	}
	return t, nil
}

// MustNew is New for configs known to be valid, such as config.Default().
func MustNew(cfg *config.Config) *Table {
	t, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return t
}

func set(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}

func (t *Table) Statuses() []string { return append([]string(nil), t.statuses...) }
func (t *Table) Stages() []string   { return append([]string(nil), t.stages...) }

func (t *Table) IsStatus(s string) bool {
	_, ok := t.statusSet[s]
	return ok
}

func (t *Table) IsInitial(s string) bool {
	_, ok := t.initial[s]
	return ok
}

func (t *Table) IsTerminal(s string) bool {
	_, ok := t.terminal[s]
	return ok
}

func (t *Table) IsStage(s string) bool {
	_, ok := t.stageIndex[s]
	return ok
}

// KnownAction reports whether action appears anywhere in the table.
func (t *Table) KnownAction(action string) bool {
	_, ok := t.actions[action]
	return ok
}

// RequiresComment reports whether action is a decision that must be justified.
func (t *Table) RequiresComment(action string) bool {
	_, ok := t.decisions[action]
	return ok
}

// StampFor names the decision stamp a case receives on entering status.
func (t *Table) StampFor(status string) (string, bool) {
	kind, ok := t.stamps[status]
	return kind, ok
}

// RequestInfoAction is the name of the loop action, or "" if disabled.
func (t *Table) RequestInfoAction() string { return t.requestInfo }

// AllowsRequestInfo reports whether the loop action may run from status.
func (t *Table) AllowsRequestInfo(status string) bool {
	if t.requestInfo == "" {
		return false
	}
	_, ok := t.loopFrom[status]
	return ok
}

// Lookup returns the edge leaving from via action.
func (t *Table) Lookup(from, action string) (Edge, bool) {
	e, ok := t.edges[from][action]
	return e, ok
}

// EdgesFrom lists outgoing edges of a status sorted by action.
func (t *Table) EdgesFrom(from string) []Edge {
	out := make([]Edge, 0, len(t.edges[from]))
	for _, e := range t.edges[from] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// StageFor maps a status to the stage a case in that status sits at.
func (t *Table) StageFor(status string) (string, bool) {
	s, ok := t.statusStages[status]
	return s, ok
}

// StageIndex is the position of stage in the fixed sequence, or -1.
func (t *Table) StageIndex(stage string) int {
	if i, ok := t.stageIndex[stage]; ok {
		return i
	}
	return -1
}

// StagesBefore returns the stages strictly earlier than stage.
func (t *Table) StagesBefore(stage string) []string {
	i := t.StageIndex(stage)
	if i <= 0 {
		return nil
	}
	return append([]string(nil), t.stages[:i]...)
}

// AllowedTargets lists the stages from may send interaction requests to.
func (t *Table) AllowedTargets(from string) []string {
	return append([]string(nil), t.adjacency[from]...)
}

// CanRequest reports whether from may direct an interaction request at to.
func (t *Table) CanRequest(from, to string) bool {
	for _, s := range t.adjacency[from] {
		if s == to {
			return true
		}
	}
	return false
}
