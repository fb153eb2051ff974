// Package subs tracks the two partitions of the streaming watch-list: the
// fixed base set (replaced wholesale on re-sync) and the bounded, mutable
// additional set driven by ad hoc API calls.
package subs

import (
	"log"
	"sync"
	"time"
)

// DefaultMaxAdditional bounds the additional set.
const DefaultMaxAdditional = 50

// SendFunc delivers one subscribe or unsubscribe frame for a code. The
// caller supplies the live session's sender; a returned error means the
// frame never reached the wire.
type SendFunc func(code string) error

// AddResult reports the outcome of an AddAdditional call. Rejected codes are
// enumerated, never silently dropped, so the API layer can inform the user.
type AddResult struct {
	Accepted []string `json:"accepted"`
	Already  []string `json:"already_subscribed"`
	Rejected []string `json:"rejected"` // over capacity
	Failed   []string `json:"failed"`   // send failures
}

// Status is a point-in-time snapshot of the watch-list.
type Status struct {
	BaseCount       int      `json:"base_count"`
	BaseCodes       []string `json:"base_codes"`
	AdditionalCount int      `json:"additional_count"`
	AdditionalCodes []string `json:"additional_codes"`
	MaxAdditional   int      `json:"max_additional"`
	TotalCount      int      `json:"total_count"`
}

// Set is the synchronized watch-list. The base and additional partitions are
// always disjoint; the effective watch-list is their ordered union.
type Set struct {
	mu sync.RWMutex

	base      []string
	baseIndex map[string]struct{}

	additional      []string
	additionalIndex map[string]struct{}

	maxAdditional int
	sendInterval  time.Duration
}

// NewSet creates a watch-list with the given additional-set capacity and
// inter-send pacing for add/remove operations.
func NewSet(maxAdditional int, sendInterval time.Duration) *Set {
	if maxAdditional <= 0 {
		maxAdditional = DefaultMaxAdditional
	}

	return &Set{
		baseIndex:       make(map[string]struct{}),
		additionalIndex: make(map[string]struct{}),
		maxAdditional:   maxAdditional,
		sendInterval:    sendInterval,
	}
}

// SetBase replaces the base watch-list wholesale. Additional entries that
// collide with the new base are dropped to keep the partitions disjoint.
func (s *Set) SetBase(codes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.base = make([]string, 0, len(codes))
	s.baseIndex = make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if _, dup := s.baseIndex[code]; dup {
			continue
		}
		s.base = append(s.base, code)
		s.baseIndex[code] = struct{}{}
	}

	kept := s.additional[:0]
	for _, code := range s.additional {
		if _, inBase := s.baseIndex[code]; inBase {
			log.Printf("🔄 Additional subscription %s promoted into base set", code)
			delete(s.additionalIndex, code)
			continue
		}
		kept = append(kept, code)
	}
	s.additional = kept
}

// AddAdditional registers new additional subscriptions. Codes already in
// base or additional are idempotent no-ops reported as Already; codes beyond
// capacity are reported as Rejected; the rest are sent one subscribe frame
// each, paced, and codes whose frame could not be sent are not added.
func (s *Set) AddAdditional(codes []string, send SendFunc) AddResult {
	var result AddResult

	// Reserve slots under the lock so concurrent adds cannot double-send
	// or overrun capacity, then send without holding it.
	s.mu.Lock()
	staged := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		if _, inBase := s.baseIndex[code]; inBase {
			result.Already = append(result.Already, code)
			continue
		}
		if _, inAdditional := s.additionalIndex[code]; inAdditional {
			result.Already = append(result.Already, code)
			continue
		}
		if len(s.additional) >= s.maxAdditional {
			result.Rejected = append(result.Rejected, code)
			continue
		}

		s.additional = append(s.additional, code)
		s.additionalIndex[code] = struct{}{}
		staged = append(staged, code)
	}
	s.mu.Unlock()

	if len(result.Rejected) > 0 {
		log.Printf("⚠️ Additional subscription limit (%d) reached, rejecting %d codes", s.maxAdditional, len(result.Rejected))
	}

	for i, code := range staged {
		if i > 0 {
			time.Sleep(s.sendInterval)
		}

		if err := send(code); err != nil {
			log.Printf("❌ Failed to send subscribe frame for %s: %v", code, err)
			s.drop(code)
			result.Failed = append(result.Failed, code)
			continue
		}
		result.Accepted = append(result.Accepted, code)
	}

	if len(result.Accepted) > 0 {
		log.Printf("✅ Added %d additional subscriptions (total additional: %d)", len(result.Accepted), s.AdditionalCount())
	}

	return result
}

// RemoveAdditional unregisters additional subscriptions. Base codes are
// never removed; a code whose unsubscribe frame could not be sent goes back
// into the set.
func (s *Set) RemoveAdditional(codes []string, send SendFunc) int {
	// Claim codes under the lock so concurrent removes cannot double-send
	// or double-count, then send without holding it.
	s.mu.Lock()
	staged := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		if _, inBase := s.baseIndex[code]; inBase {
			log.Printf("⚠️ Not removing base subscription: %s", code)
			continue
		}
		if _, inAdditional := s.additionalIndex[code]; !inAdditional {
			continue
		}

		delete(s.additionalIndex, code)
		for i, c := range s.additional {
			if c == code {
				s.additional = append(s.additional[:i], s.additional[i+1:]...)
				break
			}
		}
		staged = append(staged, code)
	}
	s.mu.Unlock()

	removed := 0
	for i, code := range staged {
		if i > 0 {
			time.Sleep(s.sendInterval)
		}

		if err := send(code); err != nil {
			log.Printf("❌ Failed to send unsubscribe frame for %s: %v", code, err)
			s.restore(code)
			continue
		}

		removed++
	}

	if removed > 0 {
		log.Printf("✅ Removed %d additional subscriptions", removed)
	}

	return removed
}

// ClearAdditional removes every additional subscription, leaving base
// untouched.
func (s *Set) ClearAdditional(send SendFunc) int {
	return s.RemoveAdditional(s.Additional(), send)
}

// ResetAdditional empties the additional partition without sending any
// unsubscribe frames. Used when a connection is (re)established: additional
// subscriptions are session-scoped and are not restored across a reconnect.
func (s *Set) ResetAdditional() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.additional = nil
	s.additionalIndex = make(map[string]struct{})
}

// restore puts a claimed code back after a failed unsubscribe send. The
// slot may have been taken by a concurrent add in the meantime; in that
// case the code stays out.
func (s *Set) restore(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, inBase := s.baseIndex[code]; inBase {
		return
	}
	if _, ok := s.additionalIndex[code]; ok {
		return
	}
	if len(s.additional) >= s.maxAdditional {
		log.Printf("⚠️ No room to restore %s after failed unsubscribe, dropping it", code)
		return
	}

	s.additional = append(s.additional, code)
	s.additionalIndex[code] = struct{}{}
}

// drop deletes a code from the additional partition if present.
func (s *Set) drop(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.additionalIndex[code]; !ok {
		return
	}

	delete(s.additionalIndex, code)
	for i, c := range s.additional {
		if c == code {
			s.additional = append(s.additional[:i], s.additional[i+1:]...)
			break
		}
	}
}

// Base returns a copy of the base watch-list in order.
func (s *Set) Base() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.base...)
}

// Additional returns a copy of the additional watch-list in order.
func (s *Set) Additional() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.additional...)
}

// AdditionalCount returns the current additional-set size.
func (s *Set) AdditionalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.additional)
}

// Contains reports whether code is anywhere in the effective watch-list.
func (s *Set) Contains(code string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.baseIndex[code]; ok {
		return true
	}
	_, ok := s.additionalIndex[code]
	return ok
}

// Effective returns base ∪ additional in subscription order.
func (s *Set) Effective() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	effective := make([]string, 0, len(s.base)+len(s.additional))
	effective = append(effective, s.base...)
	effective = append(effective, s.additional...)
	return effective
}

// Status returns a snapshot of both partitions.
func (s *Set) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		BaseCount:       len(s.base),
		BaseCodes:       append([]string(nil), s.base...),
		AdditionalCount: len(s.additional),
		AdditionalCodes: append([]string(nil), s.additional...),
		MaxAdditional:   s.maxAdditional,
		TotalCount:      len(s.base) + len(s.additional),
	}
}
