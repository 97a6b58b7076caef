package stores

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sync"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/longessay/writer-agent/internal/clock"
	"github.com/longessay/writer-agent/internal/entity"
)

const (
	essayKeyContent = "content"
	essayKeyHash    = "hash"
	essayKeyStarted = "started"
	essayKeyHistory = "history"
)

type historyEntry struct {
	Step entity.WritingStep `json:"step"`
	Sent bool               `json:"sent"`
}

// Essay keeps the essay content and the history of writing steps. Every saved content change
// becomes a writing step that stays unsent until the backend acknowledged it.
type Essay struct {
	base
	clock *clock.ServerClock

	mu            sync.Mutex
	storedContent string
	storedHash    string
	started       int64
	history       []historyEntry
}

// ContentHash returns the hash identifying an essay content.
func ContentHash(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ClearStorage removes the persisted essay and resets the store.
func (s *Essay) ClearStorage(ctx context.Context) {
	s.clear(ctx)
	s.mu.Lock()
	s.storedContent = ""
	s.storedHash = ""
	s.started = 0
	s.history = nil
	s.mu.Unlock()
	s.publish()
}

// LoadFromStorage restores the essay and its writing history.
func (s *Essay) LoadFromStorage(ctx context.Context) {
	var content, hash string
	var started int64
	s.read(ctx, essayKeyContent, &content)
	s.read(ctx, essayKeyHash, &hash)
	s.read(ctx, essayKeyStarted, &started)
	history := s.readHistory(ctx)

	s.mu.Lock()
	s.storedContent = content
	s.storedHash = hash
	s.started = started
	s.history = history
	s.mu.Unlock()
	s.publish()
}

// LoadFromData replaces the essay with the one delivered by the backend. The history starts empty.
func (s *Essay) LoadFromData(ctx context.Context, data entity.EssayData) {
	s.clear(ctx)
	s.mu.Lock()
	s.storedContent = data.Content
	s.storedHash = data.Hash
	s.started = data.Started
	s.history = nil
	s.mu.Unlock()

	s.write(ctx, essayKeyContent, data.Content)
	s.write(ctx, essayKeyHash, data.Hash)
	s.write(ctx, essayKeyStarted, data.Started)
	s.write(ctx, essayKeyHistory, []historyEntry{})
	s.publish()
}

// SetStarted records the server time at which writing started.
func (s *Essay) SetStarted(ctx context.Context, serverSeconds int64) {
	s.mu.Lock()
	s.started = serverSeconds
	s.mu.Unlock()
	s.write(ctx, essayKeyStarted, serverSeconds)
}

// UpdateContent saves new essay content as a writing step. It reports false when the content
// did not change. Steps are deltas against the previous content unless no previous content
// exists or the delta would be larger than the content.
func (s *Essay) UpdateContent(ctx context.Context, content string) (entity.WritingStep, bool) {
	s.mu.Lock()
	if content == s.storedContent && s.storedHash != "" {
		s.mu.Unlock()
		return entity.WritingStep{}, false
	}

	hashBefore := s.storedHash
	step := entity.WritingStep{
		IsDelta:    false,
		Timestamp:  s.clock.ServerNow(),
		Content:    content,
		HashBefore: hashBefore,
		HashAfter:  ContentHash(content),
		Distance:   editDistance(s.storedContent, content),
	}
	if hashBefore != "" {
		delta, err := contentDelta(s.storedContent, content)
		if err != nil {
			s.logError("update_content", "diff_failed", err)
		} else if len(delta) < len(content) {
			step.IsDelta = true
			step.Content = delta
		}
	}

	s.storedContent = content
	s.storedHash = step.HashAfter
	s.history = append(s.history, historyEntry{Step: step})
	history := append([]historyEntry(nil), s.history...)
	s.mu.Unlock()

	s.write(ctx, essayKeyContent, content)
	s.write(ctx, essayKeyHash, step.HashAfter)
	s.write(ctx, essayKeyHistory, history)
	s.publish(essayKeyContent)
	return step, true
}

// StoredContent returns the last saved content.
func (s *Essay) StoredContent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storedContent
}

// StoredHash returns the hash of the last saved content.
func (s *Essay) StoredHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storedHash
}

// Started returns the server time writing started, zero if not started.
func (s *Essay) Started() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// OpenSendings returns the number of writing steps not yet acknowledged by the backend.
func (s *Essay) OpenSendings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countUnsent(s.history)
}

// HasUnsentSavings reports whether unacknowledged writing steps exist.
func (s *Essay) HasUnsentSavings() bool {
	return s.OpenSendings() > 0
}

// UnsentHistory returns the unacknowledged writing steps in saving order.
func (s *Essay) UnsentHistory() []entity.WritingStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := make([]entity.WritingStep, 0)
	for _, entry := range s.history {
		if !entry.Sent {
			steps = append(steps, entry.Step)
		}
	}
	return steps
}

// HasUnsentSavingsInStorage reports whether the persisted history has unacknowledged steps.
func (s *Essay) HasUnsentSavingsInStorage(ctx context.Context) bool {
	return countUnsent(s.readHistory(ctx)) > 0
}

// HasHashInStorage reports whether the persisted essay has the given content hash.
func (s *Essay) HasHashInStorage(ctx context.Context, hash string) bool {
	var stored string
	if !s.read(ctx, essayKeyHash, &stored) {
		return false
	}
	return stored != "" && stored == hash
}

// MarkStepsSent marks the given steps as acknowledged.
func (s *Essay) MarkStepsSent(ctx context.Context, steps []entity.WritingStep) {
	sent := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		sent[step.HashBefore+">"+step.HashAfter] = struct{}{}
	}
	s.mu.Lock()
	for index := range s.history {
		step := s.history[index].Step
		if _, ok := sent[step.HashBefore+">"+step.HashAfter]; ok {
			s.history[index].Sent = true
		}
	}
	history := append([]historyEntry(nil), s.history...)
	s.mu.Unlock()
	s.write(ctx, essayKeyHistory, history)
}

// SetAllSavingsSent marks the whole history as acknowledged.
func (s *Essay) SetAllSavingsSent(ctx context.Context) {
	s.mu.Lock()
	for index := range s.history {
		s.history[index].Sent = true
	}
	history := append([]historyEntry(nil), s.history...)
	s.mu.Unlock()
	s.write(ctx, essayKeyHistory, history)
	s.publish()
}

func (s *Essay) readHistory(ctx context.Context) []historyEntry {
	var history []historyEntry
	if !s.read(ctx, essayKeyHistory, &history) {
		return nil
	}
	return history
}

func countUnsent(history []historyEntry) int {
	count := 0
	for _, entry := range history {
		if !entry.Sent {
			count++
		}
	}
	return count
}

func contentDelta(before, after string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:       difflib.SplitLines(before),
		B:       difflib.SplitLines(after),
		Context: 1,
	})
}

// editDistance approximates the Levenshtein distance by counting the characters of every
// replaced, deleted or inserted line block.
func editDistance(before, after string) int {
	beforeLines := difflib.SplitLines(before)
	afterLines := difflib.SplitLines(after)
	distance := 0
	for _, opcode := range difflib.NewMatcher(beforeLines, afterLines).GetOpCodes() {
		if opcode.Tag == 'e' {
			continue
		}
		removed := countRunes(beforeLines[opcode.I1:opcode.I2])
		inserted := countRunes(afterLines[opcode.J1:opcode.J2])
		distance += max(removed, inserted)
	}
	return distance
}

func countRunes(lines []string) int {
	count := 0
	for _, line := range lines {
		count += utf8.RuneCountInString(line)
	}
	return count
}
