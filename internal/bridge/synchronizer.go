package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrEntryNotFound is returned for actions on an unknown entry id.
	ErrEntryNotFound = errors.New("bridge: entry not found")
	// ErrSynchronizerClosed is returned after Close.
	ErrSynchronizerClosed = errors.New("bridge: synchronizer closed")
)

// Action names used for the entry queues.
const (
	actionCreate      = "create"
	actionSelect      = "select"
	actionCheckCreate = "checkCreate"
)

var defaultCosmeticFields = []string{"outlines", "rect"}

// EmitFunc receives the viewer events.
type EmitFunc func(name string, detail any)

// Options configures a Synchronizer.
type Options struct {
	// CosmeticFields lists the top level fields whose changes alone are not reported as updates.
	CosmeticFields []string
	NewID          func() string
	Emit           EmitFunc
	Logger         *zap.Logger
}

type bufferedEvent struct {
	name   string
	detail any
}

// Synchronizer applies entry actions to the editors of a Surface and reports the changes
// made in the viewer. Surface and Layer methods are called while the synchronizer lock is
// held and must not call back into the Synchronizer.
type Synchronizer struct {
	surface  Surface
	cosmetic []string
	newID    func() string
	emit     EmitFunc
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	entries    []*entry
	selected   *entry
	selecting  Editor
	updating   string
	deletedIDs []string
	pages      map[int]*pageFuture
	buffered   []bufferedEvent
	closed     bool
}

// NewSynchronizer constructs a Synchronizer over the surface.
func NewSynchronizer(surface Surface, options Options) *Synchronizer {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cosmetic := options.CosmeticFields
	if cosmetic == nil {
		cosmetic = defaultCosmeticFields
	}
	newID := options.NewID
	if newID == nil {
		newID = func() string { return NewEntryID(time.Now()) }
	}
	emit := options.Emit
	if emit == nil {
		emit = func(string, any) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		surface:  surface,
		cosmetic: cosmetic,
		newID:    newID,
		emit:     emit,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		pages:    make(map[int]*pageFuture),
	}
}

// Close settles every queued action and waits for the running ones.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, current := range s.entries {
		current.queue.cancel()
	}
	s.unlock()
	s.cancel()
	s.wg.Wait()
}

// GetAll returns every known entry.
func (s *Synchronizer) GetAll() []Entry {
	s.mu.Lock()
	defer s.unlock()
	result := make([]Entry, 0, len(s.entries))
	for _, current := range s.entries {
		result = append(result, current.extern())
	}
	return result
}

// Get returns the entry with the id.
func (s *Synchronizer) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.unlock()
	current := s.entryByID(id)
	if current == nil {
		return Entry{}, false
	}
	return current.extern(), true
}

// SetAll replaces all entries.
func (s *Synchronizer) SetAll(entries []Entry) error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrSynchronizerClosed
	}
	for _, current := range s.entries {
		s.deleteEntry(current)
	}
	s.entries = nil
	for _, next := range entries {
		s.add(next)
	}
	return nil
}

// Add creates an entry and returns its id. The editor is created once the page is rendered.
func (s *Synchronizer) Add(next Entry) (string, *Pending, error) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return "", nil, ErrSynchronizerClosed
	}
	id, pending := s.add(next)
	return id, pending, nil
}

// Delete removes the entry and drops its queued actions.
func (s *Synchronizer) Delete(id string) error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrSynchronizerClosed
	}
	s.delete(id)
	return nil
}

// Update replaces the entry and keeps it selected when it was.
func (s *Synchronizer) Update(next Entry) (*Pending, error) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return nil, ErrSynchronizerClosed
	}
	isSelected := s.selected != nil && s.selected.id == next.ID
	s.updating = next.ID
	s.delete(next.ID)
	s.add(next)
	if isSelected {
		return s.selectEntry(next.ID)
	}
	return settledPending(), nil
}

// Selected returns the selected entry or nil.
func (s *Synchronizer) Selected() *Entry {
	s.mu.Lock()
	defer s.unlock()
	if s.selected == nil {
		return nil
	}
	extern := s.selected.extern()
	return &extern
}

// Select selects the entry and switches to its page. An empty id clears the selection.
func (s *Synchronizer) Select(id string) (*Pending, error) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return nil, ErrSynchronizerClosed
	}
	if id == "" {
		s.setSelected(nil)
		return settledPending(), nil
	}
	return s.selectEntry(id)
}

// CurrentPage returns the zero based index of the current page.
func (s *Synchronizer) CurrentPage() int {
	s.mu.Lock()
	defer s.unlock()
	return s.surface.CurrentPage()
}

// LayerRendered is called by the surface after the editing layer of a page was rendered.
func (s *Synchronizer) LayerRendered(page int) {
	s.mu.Lock()
	defer s.unlock()
	if future, ok := s.pages[page]; ok {
		delete(s.pages, page)
		future.resolve()
	}
}

// ParamsChanged is called by the surface when editor parameters or the editor mode changed.
func (s *Synchronizer) ParamsChanged() {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.checkForChanges()
}

// PageChanging is called by the surface when the current page changes.
func (s *Synchronizer) PageChanging() {
	s.mu.Lock()
	defer s.unlock()
	s.dispatch(EventPageChanged, s.surface.CurrentPage())
}

func (s *Synchronizer) add(next Entry) (string, *Pending) {
	id := next.ID
	if id == "" {
		id = s.newID()
	}
	created := &entry{
		id:     id,
		page:   next.PageOf(s.surface.CurrentPage()),
		intern: next.Intern,
		queue:  newActionQueue(),
	}
	s.entries = append(s.entries, created)
	intern := next.Intern
	pending := s.sync(created, actionCreate, func(ctx context.Context, layer Layer) error {
		editor, err := layer.Deserialize(ctx, intern)
		if err != nil {
			s.logger.Warn("editor deserialize failed",
				zap.String("operation", "bridge.create"),
				zap.String("entry_id", created.id),
				zap.Error(err))
			return err
		}
		created.editor = editor
		layer.Add(editor)
		return nil
	})
	return id, pending
}

func (s *Synchronizer) delete(id string) {
	s.entries = slices.DeleteFunc(s.entries, func(current *entry) bool {
		if current.id != id {
			return false
		}
		s.deleteEntry(current)
		return true
	})
}

func (s *Synchronizer) deleteEntry(current *entry) {
	s.deletedIDs = append(s.deletedIDs, current.id)
	if current.editor != nil {
		current.editor.Remove()
	}
	current.queue.cancel()
}

func (s *Synchronizer) selectEntry(id string) (*Pending, error) {
	target := s.entryByID(id)
	if target == nil {
		return nil, ErrEntryNotFound
	}
	s.setSelected(target)
	pending := s.sync(target, actionSelect, func(_ context.Context, _ Layer) error {
		if target.editor == nil {
			return nil
		}
		if !s.surface.InEditMode() {
			s.selecting = target.editor
			s.surface.SwitchToEditMode(target.id)
			return nil
		}
		s.surface.SetSelected(target.editor)
		return nil
	})
	if target.page != s.surface.CurrentPage() {
		s.surface.SwitchToPage(target.page)
	}
	return pending, nil
}

// setSelected changes the selection and drops the queued actions of the previous one.
func (s *Synchronizer) setSelected(next *entry) {
	previous := s.selected
	s.selecting = nil
	s.selected = next
	if previous != nil && previous != next {
		previous.queue.cancel()
	}
}

// sync queues the action for the entry and starts draining the queue.
func (s *Synchronizer) sync(target *entry, name string, run actionFunc) *Pending {
	pending := target.queue.push(name, run)
	if !target.queue.active {
		target.queue.active = true
		s.wg.Add(1)
		go s.drain(target)
	}
	return pending
}

// drain runs the queued actions of the entry in order once its page layer is available.
func (s *Synchronizer) drain(target *entry) {
	defer s.wg.Done()
	queue := target.queue
	for {
		s.mu.Lock()
		if len(queue.items) == 0 {
			queue.active = false
			s.unlock()
			return
		}
		layer, ok := s.surface.Layer(target.page)
		if !ok {
			future := s.pageFuture(target.page)
			s.unlock()
			select {
			case <-future.ready:
			case <-queue.wake:
			case <-s.ctx.Done():
				s.mu.Lock()
				queue.cancel()
				queue.active = false
				s.unlock()
				return
			}
			continue
		}

		head := queue.pop()
		queue.running = true
		err := head.run(s.ctx, layer)
		queue.running = false
		head.pending.settle(true, err)
		s.unlock()
	}
}

func (s *Synchronizer) pageFuture(page int) *pageFuture {
	future, ok := s.pages[page]
	if !ok {
		future = newPageFuture()
		s.pages[page] = future
	}
	return future
}

func (s *Synchronizer) checkForChanges() {
	page := s.surface.CurrentPage()
	used := make(map[string]bool)
	for _, editor := range s.surface.Editors(page) {
		if id, ok := s.createOrUpdateEntry(page, editor); ok {
			used[id] = true
		}
	}

	isUsed := func(current *entry) bool {
		return current.page != page || used[current.id] || current.queue.busy() || s.updating == current.id
	}
	var deleted []*entry
	kept := make([]*entry, 0, len(s.entries))
	for _, current := range s.entries {
		if isUsed(current) {
			kept = append(kept, current)
			continue
		}
		deleted = append(deleted, current)
	}
	s.entries = kept
	s.updating = ""

	for _, current := range deleted {
		if !slices.Contains(s.deletedIDs, current.id) {
			s.dispatch(EventDelete, current.extern())
		}
	}
	s.deletedIDs = slices.DeleteFunc(s.deletedIDs, func(id string) bool {
		return slices.ContainsFunc(deleted, func(current *entry) bool { return current.id == id })
	})
	s.updateSelection()
}

// createOrUpdateEntry refreshes the snapshot of a known editor and reports its id. Unknown
// editors are adopted as new entries once the queued actions of the page settled.
func (s *Synchronizer) createOrUpdateEntry(page int, editor Editor) (string, bool) {
	known := s.entryByEditor(editor)
	if known == nil {
		s.adoptLater(page, editor)
		return "", false
	}

	serialized, err := editor.Serialize()
	if err != nil {
		s.logger.Warn("editor serialize failed",
			zap.String("operation", "bridge.check_for_changes"),
			zap.String("entry_id", known.id),
			zap.Error(err))
		return known.id, true
	}
	fields, equal := changedFields(serialized, known.intern)
	if equal {
		return known.id, true
	}
	known.intern = serialized
	if !s.onlyCosmetic(fields) {
		s.dispatch(EventUpdate, known.extern())
	}
	return known.id, true
}

func (s *Synchronizer) adoptLater(page int, editor Editor) {
	var waits []*Pending
	for _, current := range s.entries {
		if current.page == page {
			waits = append(waits, s.sync(current, actionCheckCreate, func(context.Context, Layer) error { return nil }))
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, pending := range waits {
			if pending.Wait(s.ctx) != nil && s.ctx.Err() != nil {
				return
			}
		}

		s.mu.Lock()
		defer s.unlock()
		if s.closed || s.entryByEditor(editor) != nil {
			return
		}
		intern, err := editor.Serialize()
		if err != nil {
			s.logger.Warn("editor serialize failed",
				zap.String("operation", "bridge.adopt"),
				zap.Error(err))
			return
		}
		created := &entry{id: s.newID(), page: page, editor: editor, intern: intern, queue: newActionQueue()}
		s.entries = append(s.entries, created)
		s.dispatch(EventCreate, created.extern())
		s.setSelected(created)
		s.dispatch(EventSelect, created.extern())
	}()
}

func (s *Synchronizer) updateSelection() {
	first := s.surface.SelectedEditor()
	if s.selecting != nil && first == s.selecting {
		s.selecting = nil
		return
	}
	var selectedEditor Editor
	if s.selected != nil {
		selectedEditor = s.selected.editor
	}
	if (s.selecting != nil && first == nil) || first == selectedEditor {
		return
	}

	var next *entry
	if first != nil {
		next = s.entryByEditor(first)
	}
	if next == nil && s.selected == nil {
		return
	}
	s.setSelected(next)
	if next == nil {
		s.dispatch(EventSelect, nil)
		return
	}
	s.dispatch(EventSelect, next.extern())
}

func (s *Synchronizer) onlyCosmetic(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	for _, field := range fields {
		if !slices.Contains(s.cosmetic, field) {
			return false
		}
	}
	return true
}

func (s *Synchronizer) entryByID(id string) *entry {
	for _, current := range s.entries {
		if current.id == id {
			return current
		}
	}
	return nil
}

func (s *Synchronizer) entryByEditor(editor Editor) *entry {
	for _, current := range s.entries {
		if current.editor != nil && current.editor == editor {
			return current
		}
	}
	return nil
}

// dispatch buffers an event until the lock is released.
func (s *Synchronizer) dispatch(name string, detail any) {
	s.buffered = append(s.buffered, bufferedEvent{name: name, detail: detail})
}

// unlock releases the lock and emits the buffered events.
func (s *Synchronizer) unlock() {
	events := s.buffered
	s.buffered = nil
	s.mu.Unlock()
	for _, event := range events {
		s.emit(event.name, event.detail)
	}
}

// changedFields compares two serialized editors. For objects it returns the differing top
// level fields; other values only report whether they are equal.
func changedFields(next, previous json.RawMessage) ([]string, bool) {
	var left, right any
	if err := json.Unmarshal(next, &left); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(previous, &right); err != nil {
		return nil, false
	}
	if reflect.DeepEqual(left, right) {
		return nil, true
	}
	leftObject, leftOK := left.(map[string]any)
	rightObject, rightOK := right.(map[string]any)
	if !leftOK || !rightOK {
		return nil, false
	}
	var fields []string
	for key, value := range leftObject {
		if !reflect.DeepEqual(value, rightObject[key]) {
			fields = append(fields, key)
		}
	}
	for key := range rightObject {
		if _, ok := leftObject[key]; !ok {
			fields = append(fields, key)
		}
	}
	slices.Sort(fields)
	return fields, false
}
