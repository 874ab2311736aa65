package usecases

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"time"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/imaging"
)

// memStore is an in-memory stand-in for every Postgres repository, with the
// same compare-and-set semantics.
type memStore struct {
	mu       sync.Mutex
	orders   map[string]entities.PaymentOrder
	subs     map[string]entities.PaymentSubmission
	audit    []entities.AuditRecord
	balances map[string]int64
	credits  map[string]int64
	fees     map[string]string
	accounts map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		orders:   map[string]entities.PaymentOrder{},
		subs:     map[string]entities.PaymentSubmission{},
		balances: map[string]int64{},
		credits:  map[string]int64{},
		fees:     map[string]string{},
		accounts: map[string]time.Time{},
	}
}

func (m *memStore) InsertOrder(_ context.Context, order *entities.PaymentOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = *order
	return nil
}

func (m *memStore) FindOrderByID(_ context.Context, id string) (*entities.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *memStore) FindUserOrders(_ context.Context, userID string) ([]entities.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entities.PaymentOrder
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) InsertSubmission(_ context.Context, sub *entities.PaymentSubmission) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.OrderID == sub.OrderID && (s.Status.IsActive() || s.Status == entities.StatusApproved) {
			return false, nil
		}
	}
	m.subs[sub.ID] = *sub
	return true, nil
}

// putSubmission stores a submission as-is, bypassing the active-submission check.
func (m *memStore) putSubmission(sub entities.PaymentSubmission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
}

func (m *memStore) FindSubmissionByID(_ context.Context, id string) (*entities.PaymentSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memStore) FindOrderSubmissions(_ context.Context, orderID string) ([]entities.PaymentSubmission, error) {
	return m.list(func(s entities.PaymentSubmission) bool { return s.OrderID == orderID }), nil
}

func (m *memStore) ListSubmissions(_ context.Context, filter entities.SubmissionFilter) ([]entities.PaymentSubmission, error) {
	out := m.list(func(s entities.PaymentSubmission) bool {
		return (filter.Status == "" || s.Status == filter.Status) && (filter.UserID == "" || s.UserID == filter.UserID) &&
			(filter.OrderID == "" || s.OrderID == filter.OrderID)
	})
	if filter.Offset >= uint64(len(out)) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < uint64(len(out)) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) list(keep func(entities.PaymentSubmission) bool) []entities.PaymentSubmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entities.PaymentSubmission
	for _, s := range m.subs {
		if keep(s) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b entities.PaymentSubmission) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (m *memStore) ListReadySubmissions(_ context.Context, now time.Time, limit uint64) ([]string, error) {
	ready := m.list(func(s entities.PaymentSubmission) bool {
		return s.Status == entities.StatusPending && !s.NextAttemptAt.After(now)
	})
	var ids []string
	for _, s := range ready {
		if uint64(len(ids)) == limit {
			break
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (m *memStore) ClaimSubmission(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.Status != entities.StatusPending {
		return false, nil
	}
	s.Status = entities.StatusProcessing
	s.Attempts++
	s.ClaimedAt = &now
	s.UpdatedAt = now
	m.subs[id] = s
	return true, nil
}

func (m *memStore) RecordFingerprint(_ context.Context, id string, fp entities.ImageFingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.subs[id]
	s.ImageFingerprint = &fp
	m.subs[id] = s
	return nil
}

func (m *memStore) UpdateSubmissionState(_ context.Context, sub *entities.PaymentSubmission, from entities.SubmissionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[sub.ID]
	if !ok || s.Status != from {
		return false, nil
	}
	fp, proof := s.ImageFingerprint, s.ExtractedProof
	s = *sub
	if s.ImageFingerprint == nil {
		s.ImageFingerprint = fp
	}
	if s.ExtractedProof == nil {
		s.ExtractedProof = proof
	}
	m.subs[sub.ID] = s
	return true, nil
}

func (m *memStore) ReleaseStaleClaims(_ context.Context, claimedBefore, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []string
	for id, s := range m.subs {
		if s.Status == entities.StatusProcessing && s.ClaimedAt != nil && s.ClaimedAt.Before(claimedBefore) {
			s.Status = entities.StatusPending
			s.ClaimedAt = nil
			s.NextAttemptAt = now
			m.subs[id] = s
			released = append(released, id)
		}
	}
	return released, nil
}

func (m *memStore) AppendAudit(_ context.Context, record *entities.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.ID = int64(len(m.audit) + 1)
	m.audit = append(m.audit, *record)
	return nil
}

func (m *memStore) FindAuditTrail(_ context.Context, submissionID string) ([]entities.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entities.AuditRecord
	for _, r := range m.audit {
		if r.SubmissionID == submissionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) auditRecords() []entities.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.audit)
}

func (m *memStore) ReferenceSeen(_ context.Context, reference, excludeOrderID string) (bool, error) {
	found := m.list(func(s entities.PaymentSubmission) bool {
		return s.OrderID != excludeOrderID &&
			(s.Status == entities.StatusApproved || s.Status == entities.StatusManualReview) &&
			s.ExtractedProof != nil && s.ExtractedProof.ReferenceNumber != nil &&
			*s.ExtractedProof.ReferenceNumber == reference
	})
	return len(found) > 0, nil
}

func (m *memStore) ExactHashSeen(_ context.Context, exactHash, excludeID string) (bool, error) {
	found := m.list(func(s entities.PaymentSubmission) bool {
		return s.ID != excludeID && s.ImageFingerprint != nil && s.ImageFingerprint.ExactHash == exactHash
	})
	return len(found) > 0, nil
}

func (m *memStore) RecentPerceptualHashes(_ context.Context, excludeID string, since time.Time, limit uint64) ([]string, error) {
	found := m.list(func(s entities.PaymentSubmission) bool {
		return s.ID != excludeID && s.ImageFingerprint != nil &&
			s.ImageFingerprint.PerceptualHash != "" && !s.CreatedAt.Before(since)
	})
	var hashes []string
	for _, s := range found {
		if uint64(len(hashes)) == limit {
			break
		}
		hashes = append(hashes, s.ImageFingerprint.PerceptualHash)
	}
	return hashes, nil
}

func (m *memStore) CountUserSubmissions(_ context.Context, userID string, from, to time.Time, excludeID string) (int, error) {
	found := m.list(func(s entities.PaymentSubmission) bool {
		return s.UserID == userID && s.ID != excludeID && !s.CreatedAt.Before(from) && !s.CreatedAt.After(to)
	})
	return len(found), nil
}

func (m *memStore) MarkOrderFulfilled(_ context.Context, orderID, submissionID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Fulfilled {
		return false, nil
	}
	o.Fulfilled = true
	o.FulfilledBy = &submissionID
	o.FulfilledAt = &at
	m.orders[orderID] = o
	return true, nil
}

func (m *memStore) CreditWallet(_ context.Context, orderID, userID string, amount int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credits[orderID]; ok {
		return fmt.Errorf("duplicate wallet credit for order %s", orderID)
	}
	m.credits[orderID] = amount
	m.balances[userID] += amount
	return nil
}

func (m *memStore) RecordPlatformFee(_ context.Context, bidID, orderID, _ string, _ int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fees[bidID]; ok {
		return fmt.Errorf("duplicate platform fee for bid %s", bidID)
	}
	m.fees[bidID] = orderID
	return nil
}

func (m *memStore) AccountCreatedAt(_ context.Context, userID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.accounts[userID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *memStore) balance(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

type inlineTransactor struct{}

func (inlineTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memScreenshots struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemScreenshots() *memScreenshots {
	return &memScreenshots{files: map[string][]byte{}}
}

func (s *memScreenshots) Save(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := fmt.Sprintf("shot-%d", len(s.files)+1)
	s.files[ref] = bytes.Clone(data)
	return ref, nil
}

func (s *memScreenshots) Load(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[ref]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", ref, fs.ErrNotExist)
	}
	return data, nil
}

func (s *memScreenshots) Exists(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[ref]
	return ok, nil
}

func (s *memScreenshots) remove(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, ref)
}

// fakeAnalyzer fingerprints bytes as a phone screenshot with EXIF. Data that
// starts with "corrupt" is unreadable.
type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(data []byte) (entities.ImageFingerprint, error) {
	if bytes.HasPrefix(data, []byte("corrupt")) {
		return entities.ImageFingerprint{}, imaging.ErrUnreadableImage
	}
	sum := sha256.Sum256(data)
	return entities.ImageFingerprint{
		ExactHash: hex.EncodeToString(sum[:]),
		Width:     1080,
		Height:    2340,
		HasExif:   true,
	}, nil
}

// scriptedExtractor returns queued errors first, then the proof registered for
// the image bytes, then the default proof.
type scriptedExtractor struct {
	mu       sync.Mutex
	errs     []error
	proofs   map[string]entities.ExtractedProof
	fallback entities.ExtractedProof
}

func (e *scriptedExtractor) Extract(_ context.Context, image []byte) (entities.ExtractedProof, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return entities.ExtractedProof{}, err
	}
	if p, ok := e.proofs[string(image)]; ok {
		return p, nil
	}
	return e.fallback, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []entities.SubmissionStatus
}

func (n *recordingNotifier) NotifySubmission(_ context.Context, sub *entities.PaymentSubmission) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, sub.Status)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []entities.SettlementEvent
	err    error
}

func (p *recordingPublisher) PublishSettlement(_ context.Context, event *entities.SettlementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return p.err
}

func (p *recordingPublisher) published() []entities.SettlementEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.events)
}

type countingNudger struct {
	mu sync.Mutex
	n  int
}

func (c *countingNudger) Nudge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

type failingVelocity struct{}

func (failingVelocity) Record(context.Context, string, string, time.Time) error {
	return errors.New("redis down")
}

func (failingVelocity) CountUserSubmissions(context.Context, string, time.Time, time.Time, string) (int, error) {
	return 0, errors.New("redis down")
}
