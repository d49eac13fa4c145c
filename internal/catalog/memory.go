package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/tccmarket/api/internal/model"
)

// MemoryStore keeps product images in process. Used when no database is
// configured and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	products map[int64]*memoryProduct
	byKey    map[string]model.ProductImage
	nextID   int64
}

type memoryProduct struct {
	lock   sync.Mutex
	images []model.ProductImage
}

func NewMemoryStore(productIDs ...int64) *MemoryStore {
	s := &MemoryStore{
		products: make(map[int64]*memoryProduct),
		byKey:    make(map[string]model.ProductImage),
	}
	for _, id := range productIDs {
		s.AddProduct(id)
	}
	return s
}

// AddProduct registers an empty product; existing products are left alone
func (s *MemoryStore) AddProduct(productID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[productID]; !ok {
		s.products[productID] = &memoryProduct{}
	}
}

// Images returns a snapshot of a product's images ordered by sort order
func (s *MemoryStore) Images(productID int64) []model.ProductImage {
	s.mu.Lock()
	p, ok := s.products[productID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	out := append([]model.ProductImage(nil), p.images...)
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

func (s *MemoryStore) WithProductLock(ctx context.Context, productID int64, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	p, ok := s.products[productID]
	s.mu.Unlock()
	if !ok {
		return ErrProductNotFound
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	tx := &memoryTx{store: s, product: p, productID: productID}
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	for _, img := range tx.pending {
		if other, ok := s.byKey[img.StorageKey]; ok && other.ProductID != productID {
			s.mu.Unlock()
			return ErrKeyAttached
		}
	}
	for _, img := range tx.pending {
		s.byKey[img.StorageKey] = img
	}
	s.mu.Unlock()
	p.images = append(p.images, tx.pending...)
	return nil
}

func (s *MemoryStore) ReferencedKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := make(map[string]bool)
	for _, k := range keys {
		if _, ok := s.byKey[k]; ok {
			found[k] = true
		}
	}
	return found, nil
}

func (s *MemoryStore) allocateID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

type memoryTx struct {
	store     *MemoryStore
	product   *memoryProduct
	productID int64
	pending   []model.ProductImage
}

func (t *memoryTx) all() []model.ProductImage {
	return append(append([]model.ProductImage(nil), t.product.images...), t.pending...)
}

func (t *memoryTx) ImageByKey(ctx context.Context, key string) (*model.ProductImage, error) {
	for _, img := range t.pending {
		if img.StorageKey == key {
			return &img, nil
		}
	}
	t.store.mu.Lock()
	img, ok := t.store.byKey[key]
	t.store.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return &img, nil
}

func (t *memoryTx) MaxSortOrder(ctx context.Context) (uint, bool, error) {
	var max uint
	found := false
	for _, img := range t.all() {
		if !found || img.SortOrder > max {
			max = img.SortOrder
			found = true
		}
	}
	return max, found, nil
}

func (t *memoryTx) HasPrimaryImage(ctx context.Context) (bool, error) {
	for _, img := range t.all() {
		if img.IsPrimary {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertImage(ctx context.Context, img *model.ProductImage) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	row := *img
	row.ID = t.store.allocateID()
	row.ProductID = t.productID
	t.pending = append(t.pending, row)
	return row.ID, nil
}
