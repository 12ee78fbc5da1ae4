// Package memstore is an in-memory store.Store. Transactions stage their
// writes and apply them on commit; savepoints stage into their parent.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
	"github.com/primaryrutabaga/rule-migrator/pkg/store"
	"github.com/primaryrutabaga/rule-migrator/pkg/workflow"
)

var errTxDone = errors.New("memstore: transaction already finished")

type link struct{ from, to int64 }

// data is one layer of rows: either the committed state or the writes
// staged by a transaction.
type data struct {
	detectors         map[int64]*workflow.Detector
	groups            map[int64]*workflow.DataConditionGroup
	conditions        map[int64]*workflow.DataCondition
	workflows         map[int64]*workflow.Workflow
	whenGroups        map[int64]int64
	actions           map[int64]*workflow.Action
	ruleWorkflows     map[int64]int64
	groupActions      []link
	ruleDetectors     []link
	detectorWorkflows []link
	workflowGroups    []link
}

func newData() *data {
	return &data{
		detectors:     make(map[int64]*workflow.Detector),
		groups:        make(map[int64]*workflow.DataConditionGroup),
		conditions:    make(map[int64]*workflow.DataCondition),
		workflows:     make(map[int64]*workflow.Workflow),
		whenGroups:    make(map[int64]int64),
		actions:       make(map[int64]*workflow.Action),
		ruleWorkflows: make(map[int64]int64),
	}
}

// apply copies src into d. It fails without writing anything when a rule
// in src is already linked in d.
func (d *data) apply(src *data) error {
	for ruleID := range src.ruleWorkflows {
		if _, ok := d.ruleWorkflows[ruleID]; ok {
			return fmt.Errorf("rule %d: %w", ruleID, store.ErrConflict)
		}
	}
	for k, v := range src.detectors {
		d.detectors[k] = v
	}
	for k, v := range src.groups {
		d.groups[k] = v
	}
	for k, v := range src.conditions {
		d.conditions[k] = v
	}
	for k, v := range src.workflows {
		d.workflows[k] = v
	}
	for k, v := range src.whenGroups {
		d.whenGroups[k] = v
	}
	for k, v := range src.actions {
		d.actions[k] = v
	}
	for k, v := range src.ruleWorkflows {
		d.ruleWorkflows[k] = v
	}
	d.groupActions = append(d.groupActions, src.groupActions...)
	d.ruleDetectors = append(d.ruleDetectors, src.ruleDetectors...)
	d.detectorWorkflows = append(d.detectorWorkflows, src.detectorWorkflows...)
	d.workflowGroups = append(d.workflowGroups, src.workflowGroups...)
	return nil
}

// Store is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	committed *data
	snoozes   []schemas.RuleSnooze
	nextID    atomic.Int64

	// ConditionHook, when set, runs before a condition is staged. A non-nil
	// result fails the write.
	ConditionHook func(c *workflow.DataCondition) error
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{committed: newData()}
}

// Seed loads the snoozes and migrated markers of a rule file.
func (s *Store) Seed(f *schemas.RuleFile) {
	for _, sn := range f.Snoozes {
		s.AddSnooze(sn)
	}
	for _, id := range f.Migrated {
		s.MarkMigrated(id, 0)
	}
}

// AddSnooze records a rule snooze.
func (s *Store) AddSnooze(sn schemas.RuleSnooze) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snoozes = append(s.snoozes, sn)
}

// MarkMigrated links ruleID to workflowID outside any transaction.
func (s *Store) MarkMigrated(ruleID, workflowID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed.ruleWorkflows[ruleID] = workflowID
}

func (s *Store) id() int64 {
	return s.nextID.Add(1)
}

// ---------------------------------------------------------------------------
// store.Reader
// ---------------------------------------------------------------------------

func (s *Store) DefaultDetector(ctx context.Context, projectID int64) (*workflow.Detector, error) {
	return s.defaultDetector(projectID, nil), nil
}

func (s *Store) OrgSnooze(ctx context.Context, ruleID int64) (*schemas.RuleSnooze, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *schemas.RuleSnooze
	for i := range s.snoozes {
		sn := s.snoozes[i]
		if sn.RuleID != ruleID || sn.UserID != nil {
			continue
		}
		if found == nil || sn.Permanent() {
			found = &sn
		}
		if sn.Permanent() {
			break
		}
	}
	return found, nil
}

func (s *Store) IsMigrated(ctx context.Context, ruleID int64) (bool, error) {
	return s.isMigrated(ruleID, nil), nil
}

// defaultDetector searches committed rows and then every staged layer.
func (s *Store) defaultDetector(projectID int64, layers []*data) *workflow.Detector {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *workflow.Detector
	pick := func(d *data) {
		for _, det := range d.detectors {
			if det.ProjectID != projectID || det.Type != workflow.ErrorDetectorType {
				continue
			}
			if best == nil || det.ID < best.ID {
				best = det
			}
		}
	}
	pick(s.committed)
	for _, l := range layers {
		pick(l)
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (s *Store) isMigrated(ruleID int64, layers []*data) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.committed.ruleWorkflows[ruleID]; ok {
		return true
	}
	for _, l := range layers {
		if _, ok := l.ruleWorkflows[ruleID]; ok {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// Atomic implements store.Store.
func (s *Store) Atomic(ctx context.Context, fn func(store.Tx) error) error {
	t := &tx{s: s, staged: newData()}
	if err := fn(t); err != nil {
		t.done = true
		return err
	}
	if err := ctx.Err(); err != nil {
		t.done = true
		return fmt.Errorf("commit: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t.done = true
	if err := s.committed.apply(t.staged); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type tx struct {
	s      *Store
	parent *tx
	staged *data
	done   bool
}

// layers returns staged data from the outermost transaction inwards.
func (t *tx) layers() []*data {
	var out []*data
	for cur := t; cur != nil; cur = cur.parent {
		out = append([]*data{cur.staged}, out...)
	}
	return out
}

func (t *tx) check() error {
	for cur := t; cur != nil; cur = cur.parent {
		if cur.done {
			return errTxDone
		}
	}
	return nil
}

func (t *tx) hasGroup(id int64) bool {
	t.s.mu.RLock()
	_, ok := t.s.committed.groups[id]
	t.s.mu.RUnlock()
	if ok {
		return true
	}
	for _, l := range t.layers() {
		if _, ok := l.groups[id]; ok {
			return true
		}
	}
	return false
}

func (t *tx) DefaultDetector(ctx context.Context, projectID int64) (*workflow.Detector, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.s.defaultDetector(projectID, t.layers()), nil
}

func (t *tx) OrgSnooze(ctx context.Context, ruleID int64) (*schemas.RuleSnooze, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.s.OrgSnooze(ctx, ruleID)
}

func (t *tx) IsMigrated(ctx context.Context, ruleID int64) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	return t.s.isMigrated(ruleID, t.layers()), nil
}

func (t *tx) CreateDetector(ctx context.Context, d *workflow.Detector) error {
	if err := t.check(); err != nil {
		return err
	}
	d.ID = t.s.id()
	cp := *d
	t.staged.detectors[d.ID] = &cp
	return nil
}

func (t *tx) CreateConditionGroup(ctx context.Context, g *workflow.DataConditionGroup) error {
	if err := t.check(); err != nil {
		return err
	}
	g.ID = t.s.id()
	cp := *g
	cp.Conditions, cp.Actions = nil, nil
	t.staged.groups[g.ID] = &cp
	return nil
}

func (t *tx) CreateCondition(ctx context.Context, c *workflow.DataCondition) error {
	if err := t.check(); err != nil {
		return err
	}
	if !t.hasGroup(c.ConditionGroupID) {
		return fmt.Errorf("create condition: unknown condition group %d", c.ConditionGroupID)
	}
	if hook := t.s.ConditionHook; hook != nil {
		if err := hook(c); err != nil {
			return fmt.Errorf("create condition: %w", err)
		}
	}
	c.ID = t.s.id()
	cp := *c
	t.staged.conditions[c.ID] = &cp
	return nil
}

func (t *tx) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	if err := t.check(); err != nil {
		return err
	}
	if w.WhenConditionGroup == nil || !t.hasGroup(w.WhenConditionGroup.ID) {
		return errors.New("create workflow: when condition group is not saved")
	}
	w.ID = t.s.id()
	cp := *w
	cp.WhenConditionGroup, cp.IfConditionGroups = nil, nil
	t.staged.workflows[w.ID] = &cp
	t.staged.whenGroups[w.ID] = w.WhenConditionGroup.ID
	return nil
}

func (t *tx) CreateGroupActions(ctx context.Context, groupID int64, actions []*workflow.Action) error {
	if err := t.check(); err != nil {
		return err
	}
	if !t.hasGroup(groupID) {
		return fmt.Errorf("create actions: unknown condition group %d", groupID)
	}
	for _, a := range actions {
		a.ID = t.s.id()
		a.ConditionGroupID = groupID
		cp := *a
		t.staged.actions[a.ID] = &cp
		t.staged.groupActions = append(t.staged.groupActions, link{groupID, a.ID})
	}
	return nil
}

func (t *tx) LinkRuleDetector(ctx context.Context, ruleID, detectorID int64) error {
	if err := t.check(); err != nil {
		return err
	}
	t.staged.ruleDetectors = append(t.staged.ruleDetectors, link{ruleID, detectorID})
	return nil
}

func (t *tx) LinkDetectorWorkflow(ctx context.Context, detectorID, workflowID int64) error {
	if err := t.check(); err != nil {
		return err
	}
	t.staged.detectorWorkflows = append(t.staged.detectorWorkflows, link{detectorID, workflowID})
	return nil
}

func (t *tx) LinkRuleWorkflow(ctx context.Context, ruleID, workflowID int64) error {
	if err := t.check(); err != nil {
		return err
	}
	if t.s.isMigrated(ruleID, t.layers()) {
		return fmt.Errorf("link rule %d: %w", ruleID, store.ErrConflict)
	}
	t.staged.ruleWorkflows[ruleID] = workflowID
	return nil
}

func (t *tx) LinkWorkflowConditionGroup(ctx context.Context, workflowID, groupID int64) error {
	if err := t.check(); err != nil {
		return err
	}
	t.staged.workflowGroups = append(t.staged.workflowGroups, link{workflowID, groupID})
	return nil
}

func (t *tx) Savepoint(ctx context.Context, fn func(store.Tx) error) error {
	if err := t.check(); err != nil {
		return err
	}
	child := &tx{s: t.s, parent: t, staged: newData()}
	err := fn(child)
	child.done = true
	if err != nil {
		return err
	}
	return t.staged.apply(child.staged)
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Counts is the number of committed rows per entity.
type Counts struct {
	Detectors  int
	Groups     int
	Conditions int
	Workflows  int
	Actions    int
}

// Counts returns committed row counts.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counts{
		Detectors:  len(s.committed.detectors),
		Groups:     len(s.committed.groups),
		Conditions: len(s.committed.conditions),
		Workflows:  len(s.committed.workflows),
		Actions:    len(s.committed.actions),
	}
}

// Detectors returns the committed detectors of a project ordered by ID.
func (s *Store) Detectors(projectID int64) []*workflow.Detector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Detector
	for _, d := range s.committed.detectors {
		if d.ProjectID == projectID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RuleWorkflow returns the workflow a rule is linked to.
func (s *Store) RuleWorkflow(ruleID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.committed.ruleWorkflows[ruleID]
	return id, ok
}

// RuleDetectors returns the detectors linked to a rule.
func (s *Store) RuleDetectors(ruleID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return linked(s.committed.ruleDetectors, ruleID)
}

// WorkflowDetectors returns the detectors linked to a workflow.
func (s *Store) WorkflowDetectors(workflowID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for _, l := range s.committed.detectorWorkflows {
		if l.to == workflowID {
			out = append(out, l.from)
		}
	}
	return out
}

// Workflow reassembles a committed workflow with its groups, conditions and
// actions, or returns nil.
func (s *Store) Workflow(id int64) *workflow.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.committed.workflows[id]
	if !ok {
		return nil
	}
	out := *w
	out.WhenConditionGroup = s.group(s.committed.whenGroups[id])
	for _, gid := range linked(s.committed.workflowGroups, id) {
		if g := s.group(gid); g != nil {
			out.IfConditionGroups = append(out.IfConditionGroups, g)
		}
	}
	return &out
}

// group must be called with s.mu held.
func (s *Store) group(id int64) *workflow.DataConditionGroup {
	g, ok := s.committed.groups[id]
	if !ok {
		return nil
	}
	out := *g
	for _, c := range s.committed.conditions {
		if c.ConditionGroupID == id {
			cp := *c
			out.Conditions = append(out.Conditions, &cp)
		}
	}
	sort.Slice(out.Conditions, func(i, j int) bool { return out.Conditions[i].ID < out.Conditions[j].ID })
	for _, aid := range linked(s.committed.groupActions, id) {
		if a, ok := s.committed.actions[aid]; ok {
			cp := *a
			out.Actions = append(out.Actions, &cp)
		}
	}
	return &out
}

func linked(links []link, from int64) []int64 {
	var out []int64
	for _, l := range links {
		if l.from == from {
			out = append(out, l.to)
		}
	}
	return out
}
