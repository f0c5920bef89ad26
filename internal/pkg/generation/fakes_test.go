package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/KogFlow/app/models"
	"github.com/ManuelReschke/KogFlow/internal/pkg/entitlements"
	"github.com/ManuelReschke/KogFlow/internal/pkg/imagegen"
	"github.com/ManuelReschke/KogFlow/internal/pkg/ledger"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

// fakeLedger keeps one balance per identity string. Guest tokens are
// "guest-<remaining>".
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int
	tiers    map[uint]entitlements.Tier
	debits   int
	refunds  int
	checks   int
	debitErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[string]int{}, tiers: map[uint]entitlements.Tier{}}
}

func (l *fakeLedger) key(id ledger.Identity) string {
	if id.IsGuest() {
		return "guest"
	}
	return id.String()
}

func (l *fakeLedger) CheckBalance(_ context.Context, id ledger.Identity) (ledger.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks++
	n := l.balances[l.key(id)]
	b := ledger.Balance{Remaining: n, CanProceed: n > 0}
	if id.IsGuest() {
		b.GuestToken = fmt.Sprintf("guest-%d", n)
	}
	return b, nil
}

func (l *fakeLedger) ReserveAndDebit(_ context.Context, id ledger.Identity) (ledger.DebitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.debitErr != nil {
		err := l.debitErr
		l.debitErr = nil
		return ledger.DebitResult{}, err
	}
	l.debits++
	k := l.key(id)
	if l.balances[k] <= 0 {
		return ledger.DebitResult{Success: false}, nil
	}
	l.balances[k]--
	res := ledger.DebitResult{Success: true, NewBalance: l.balances[k]}
	if id.IsGuest() {
		res.GuestToken = fmt.Sprintf("guest-%d", l.balances[k])
	}
	return res, nil
}

func (l *fakeLedger) Refund(_ context.Context, id ledger.Identity) (ledger.CreditResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refunds++
	k := l.key(id)
	prev := l.balances[k]
	l.balances[k]++
	res := ledger.CreditResult{Previous: prev, Added: 1, New: l.balances[k]}
	if id.IsGuest() {
		res.GuestToken = fmt.Sprintf("guest-%d", l.balances[k])
	}
	return res, nil
}

func (l *fakeLedger) TierOf(_ context.Context, id ledger.Identity) (entitlements.Tier, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tiers[id.UserID]; ok && !id.IsGuest() {
		return t, nil
	}
	return entitlements.TierFree, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	creates   []imagegen.TaskRequest
	createErr error
	records   map[string]*imagegen.TaskRecord
	infoErr   error
	infoCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{records: map[string]*imagegen.TaskRecord{}}
}

func (p *fakeProvider) CreateTask(_ context.Context, req imagegen.TaskRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.creates = append(p.creates, req)
	return fmt.Sprintf("task-%d", len(p.creates)), nil
}

func (p *fakeProvider) RecordInfo(_ context.Context, taskID string) (*imagegen.TaskRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infoCalls++
	if p.infoErr != nil {
		return nil, p.infoErr
	}
	if rec, ok := p.records[taskID]; ok {
		return rec, nil
	}
	return &imagegen.TaskRecord{TaskID: taskID, State: "generating"}, nil
}

type putCall struct {
	bucket, key, contentType string
	data                     []byte
}

type fakeStore struct {
	mu      sync.Mutex
	puts    []putCall
	deletes []string
	putErr  map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{putErr: map[string]error{}}
}

func (s *fakeStore) Put(_ context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putErr[bucket]; err != nil {
		return "", err
	}
	s.puts = append(s.puts, putCall{bucket: bucket, key: key, data: data, contentType: contentType})
	return "https://cdn.test/" + bucket + "/" + key, nil
}

func (s *fakeStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, bucket+"/"+key)
	return nil
}

func (s *fakeStore) putsTo(bucket string) []putCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []putCall
	for _, p := range s.puts {
		if p.bucket == bucket {
			out = append(out, p)
		}
	}
	return out
}

// fakeRecords enforces the provider task id uniqueness of the real table.
type fakeRecords struct {
	mu        sync.Mutex
	rows      map[string]*models.Generation
	createErr error
	nextID    uint
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{rows: map[string]*models.Generation{}}
}

func (r *fakeRecords) CreateIfAbsent(_ context.Context, g *models.Generation) (bool, *models.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return false, nil, r.createErr
	}
	if existing, ok := r.rows[g.ProviderTaskID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	r.nextID++
	g.ID = r.nextID
	g.CreatedAt = time.Now()
	cp := *g
	r.rows[g.ProviderTaskID] = &cp
	return true, g, nil
}

func (r *fakeRecords) FindExisting(_ context.Context, taskID, providerURL string) (*models.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ProviderTaskID == taskID || (providerURL != "" && row.ProviderResultURL == providerURL) {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRecords) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type fakeWatermarker struct {
	err   error
	calls int
}

func (w *fakeWatermarker) Apply(data []byte) ([]byte, error) {
	w.calls++
	if w.err != nil {
		return nil, w.err
	}
	return append([]byte("WM:"), data...), nil
}

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(context.Context, string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, "image/png", nil
}

type fakeClaims struct {
	mu    sync.Mutex
	taken map[string]bool
	err   error
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{taken: map[string]bool{}}
}

func (c *fakeClaims) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if c.taken[key] {
		return false, nil
	}
	c.taken[key] = true
	return true, nil
}

func (c *fakeClaims) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.taken, key)
	return nil
}

var errBoom = errors.New("boom")

type harness struct {
	ledger      *fakeLedger
	provider    *fakeProvider
	store       *fakeStore
	records     *fakeRecords
	watermarker *fakeWatermarker
	fetcher     *fakeFetcher
	claims      *fakeClaims
}

func newHarness() *harness {
	return &harness{
		ledger:      newFakeLedger(),
		provider:    newFakeProvider(),
		store:       newFakeStore(),
		records:     newFakeRecords(),
		watermarker: &fakeWatermarker{},
		fetcher:     &fakeFetcher{data: []byte("provider-image")},
		claims:      newFakeClaims(),
	}
}

func (h *harness) orchestrator(cfg Config) *Orchestrator {
	if cfg.UploadsBucket == "" {
		cfg.UploadsBucket = "uploads"
	}
	if cfg.ResultsBucket == "" {
		cfg.ResultsBucket = "generations"
	}
	return New(cfg, Deps{
		Ledger:      h.ledger,
		Provider:    h.provider,
		Store:       h.store,
		Records:     h.records,
		Watermarker: h.watermarker,
		Fetcher:     h.fetcher,
		Claims:      h.claims,
	})
}

// lookupMissRecords hides existing rows from FindExisting to simulate a
// finalization that passed the lookup before a concurrent insert.
type lookupMissRecords struct {
	*fakeRecords
}

func (lookupMissRecords) FindExisting(context.Context, string, string) (*models.Generation, error) {
	return nil, nil
}

func recordFor(in FinalizeInput, resultURL string) *models.Generation {
	return &models.Generation{
		UserID:            in.Metadata.UserID,
		ProviderTaskID:    in.TaskID,
		ProviderResultURL: in.ProviderURL,
		OriginalURL:       in.Metadata.OriginalURL,
		ResultURL:         resultURL,
		Mode:              in.Metadata.Mode,
	}
}
