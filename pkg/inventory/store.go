// Package inventory implements a branch's thread-safe product
// catalogue: the component every other subsystem in a branch node
// coordinates writes to.
package inventory

import (
	"errors"
	"sync"
	"time"

	"github.com/daviddao/branchmesh/pkg/model"
)

var (
	// ErrInvalidProduct is returned when add/update is given an empty
	// id or a negative quantity/price.
	ErrInvalidProduct = errors.New("inventory: invalid product")
	// ErrExists is returned by Add when the id is already present.
	ErrExists = errors.New("inventory: product already exists")
	// ErrNotFound is returned when an operation names an unknown id.
	ErrNotFound = errors.New("inventory: product not found")
	// ErrInsufficientStock is returned by Reduce/TransferOut when qty
	// exceeds the product's current stock.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
)

// Store is one branch's in-memory product catalogue. Many readers may
// proceed concurrently with each other; writers are mutually exclusive
// with both readers and other writers.
type Store struct {
	mu       sync.RWMutex
	products map[string]*model.Product
	stats    model.Stats
}

// New returns an empty store. Seed with SeedDefaultCatalogue or Add.
func New() *Store {
	return &Store{products: make(map[string]*model.Product)}
}

// SeedDefaultCatalogue populates an empty store with the standard demo
// catalogue used when a branch node is launched without an explicit
// seed file: eight products spanning Electronics, Furniture, and
// Accessories.
func (s *Store) SeedDefaultCatalogue() {
	now := time.Now().UTC()
	defaults := []model.Product{
		{ID: "P001", Name: "Laptop", Category: "Electronics", Price: 999.99, Qty: 15, MinStock: 5},
		{ID: "P002", Name: "Mouse", Category: "Electronics", Price: 19.99, Qty: 50, MinStock: 20},
		{ID: "P003", Name: "Keyboard", Category: "Electronics", Price: 49.99, Qty: 30, MinStock: 10},
		{ID: "P004", Name: "Monitor", Category: "Electronics", Price: 249.99, Qty: 12, MinStock: 5},
		{ID: "P005", Name: "Desk Chair", Category: "Furniture", Price: 179.99, Qty: 8, MinStock: 3},
		{ID: "P006", Name: "USB Cable", Category: "Accessories", Price: 9.99, Qty: 100, MinStock: 30},
		{ID: "P007", Name: "Webcam", Category: "Electronics", Price: 59.99, Qty: 20, MinStock: 8},
		{ID: "P008", Name: "Stapler", Category: "Accessories", Price: 7.99, Qty: 25, MinStock: 10},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range defaults {
		p.UpdatedAt = now
		cp := p
		s.products[p.ID] = &cp
	}
}

func validProduct(p model.Product) bool {
	return p.ID != "" && p.Qty >= 0 && p.MinStock >= 0 && p.Price >= 0
}

// Add inserts a new product. Fails with ErrInvalidProduct or ErrExists.
func (s *Store) Add(p model.Product) error {
	if !validProduct(p) {
		return ErrInvalidProduct
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ID]; ok {
		return ErrExists
	}
	p.UpdatedAt = time.Now().UTC()
	cp := p
	s.products[p.ID] = &cp
	return nil
}

// Get returns a defensive copy of the product, or ErrNotFound.
func (s *Store) Get(id string) (model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return model.Product{}, ErrNotFound
	}
	return *p, nil
}

// List returns a defensive copy of every product. Order is unspecified.
func (s *Store) List() []model.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *p)
	}
	return out
}

// ByCategory returns a defensive copy of every product in the given
// category.
func (s *Store) ByCategory(category string) []model.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Product
	for _, p := range s.products {
		if p.Category == category {
			out = append(out, *p)
		}
	}
	return out
}

// Search returns products whose name contains q, ignoring ASCII case
// (the catalogue is small enough that this stays a linear scan rather
// than an index).
func (s *Store) Search(q string) []model.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Product
	for _, p := range s.products {
		if containsFold(p.Name, q) {
			out = append(out, *p)
		}
	}
	return out
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	hl, nl := toLower(haystack), toLower(needle)
	for i := 0; i+len(nl) <= len(hl); i++ {
		if hl[i:i+len(nl)] == nl {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// UpdateQty sets a product's quantity directly, adjusting the running
// stats by the signed delta. Requires newQty >= 0.
func (s *Store) UpdateQty(id string, newQty int64) error {
	if newQty < 0 {
		return ErrInvalidProduct
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return ErrNotFound
	}
	delta := newQty - p.Qty
	p.Qty = newQty
	p.UpdatedAt = time.Now().UTC()
	s.recordLocked(delta)
	return nil
}

// Reduce decrements qty by n, succeeding only if enough stock is on
// hand. Used for local sales; the RESERVE step of an outbound transfer
// uses TransferOut instead.
func (s *Store) Reduce(id string, n int64) error {
	if n <= 0 {
		return ErrInvalidProduct
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return ErrNotFound
	}
	if p.Qty < n {
		return ErrInsufficientStock
	}
	p.Qty -= n
	p.UpdatedAt = time.Now().UTC()
	s.stats.Transactions++
	s.stats.ItemsSold += n
	s.stats.LastModified = p.UpdatedAt
	return nil
}

// AddStock increments qty by n. Used for local restocking; the credit
// side of a completed transfer uses Receive instead.
func (s *Store) AddStock(id string, n int64) error {
	if n <= 0 {
		return ErrInvalidProduct
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return ErrNotFound
	}
	p.Qty += n
	p.UpdatedAt = time.Now().UTC()
	s.stats.Transactions++
	s.stats.ItemsReceived += n
	s.stats.LastModified = p.UpdatedAt
	return nil
}

// TransferOut decrements qty by n as the source side of a cross-branch
// transfer, same bounds-checking as Reduce but tagged TransfersOut
// rather than ItemsSold so a transfer-out is never indistinguishable
// from a local sale in Stats. toBranch does not affect enforcement —
// the store has no per-destination stats — it exists for callers that
// want it on hand for logging (see the replication log's "to" field).
func (s *Store) TransferOut(id string, n int64, toBranch string) error {
	if n <= 0 {
		return ErrInvalidProduct
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return ErrNotFound
	}
	if p.Qty < n {
		return ErrInsufficientStock
	}
	p.Qty -= n
	p.UpdatedAt = time.Now().UTC()
	s.stats.Transactions++
	s.stats.TransfersOut += n
	s.stats.LastModified = p.UpdatedAt
	return nil
}

// Receive increments qty by n as the destination side of a
// cross-branch transfer, same as AddStock but tagged TransfersIn
// rather than ItemsReceived.
func (s *Store) Receive(id string, n int64) error {
	if n <= 0 {
		return ErrInvalidProduct
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return ErrNotFound
	}
	p.Qty += n
	p.UpdatedAt = time.Now().UTC()
	s.stats.Transactions++
	s.stats.TransfersIn += n
	s.stats.LastModified = p.UpdatedAt
	return nil
}

// LowStock returns a snapshot of every product at or below its
// MinStock threshold.
func (s *Store) LowStock() []model.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Product
	for _, p := range s.products {
		if p.Qty <= p.MinStock {
			out = append(out, *p)
		}
	}
	return out
}

// Stats returns a copy of the running transaction counters.
func (s *Store) Stats() model.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// recordLocked updates stats for a signed qty delta. Caller must hold
// s.mu for writing.
func (s *Store) recordLocked(delta int64) {
	s.stats.Transactions++
	if delta > 0 {
		s.stats.ItemsReceived += delta
	} else if delta < 0 {
		s.stats.ItemsSold += -delta
	}
	s.stats.LastModified = time.Now().UTC()
}
