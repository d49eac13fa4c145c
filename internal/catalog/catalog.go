// Package catalog links stored artifacts to a product's image collection.
//
// Every mutation of a product's images happens while that product is
// locked, so concurrent attachments to the same product observe each other
// and at most one of them becomes the primary image.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tccmarket/api/internal/model"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrKeyAttached     = errors.New("storage key attached to another product")
)

// Tx is the view of one product's image collection while the product is locked
type Tx interface {
	// ImageByKey returns the image of any product that references key, or nil
	ImageByKey(ctx context.Context, key string) (*model.ProductImage, error)
	MaxSortOrder(ctx context.Context) (max uint, ok bool, err error)
	HasPrimaryImage(ctx context.Context) (bool, error)
	InsertImage(ctx context.Context, img *model.ProductImage) (int64, error)
}

// Store serializes access to each product's image collection
type Store interface {
	// WithProductLock runs fn with exclusive access to the product's images.
	// Inserts made through tx are committed only if fn returns nil.
	WithProductLock(ctx context.Context, productID int64, fn func(tx Tx) error) error
	// ReferencedKeys reports which of the given storage keys are attached to any product
	ReferencedKeys(ctx context.Context, keys []string) (map[string]bool, error)
}

// Attacher appends images to products
type Attacher struct {
	store Store
	now   func() time.Time
}

func NewAttacher(store Store) *Attacher {
	return &Attacher{store: store, now: time.Now}
}

// Attach inserts storageKey as the product's next image. The new image
// takes sort order max+1 (0 for the first) and becomes primary only when
// the product has no primary image yet. Attaching a key the product already
// holds returns the existing image unchanged.
func (a *Attacher) Attach(ctx context.Context, productID int64, storageKey string) (*model.ProductImage, error) {
	if storageKey == "" {
		return nil, fmt.Errorf("attach: empty storage key")
	}

	var (
		img    *model.ProductImage
		reused bool
	)
	err := a.store.WithProductLock(ctx, productID, func(tx Tx) error {
		existing, err := tx.ImageByKey(ctx, storageKey)
		if err != nil {
			return fmt.Errorf("look up storage key: %w", err)
		}
		if existing != nil {
			if existing.ProductID != productID {
				return fmt.Errorf("%w: %s belongs to product %d", ErrKeyAttached, storageKey, existing.ProductID)
			}
			img, reused = existing, true
			return nil
		}

		max, ok, err := tx.MaxSortOrder(ctx)
		if err != nil {
			return fmt.Errorf("read max sort order: %w", err)
		}
		hasPrimary, err := tx.HasPrimaryImage(ctx)
		if err != nil {
			return fmt.Errorf("read primary flag: %w", err)
		}

		next := uint(0)
		if ok {
			next = max + 1
		}
		candidate := &model.ProductImage{
			ProductID:  productID,
			StorageKey: storageKey,
			SortOrder:  next,
			IsPrimary:  !hasPrimary,
			CreatedAt:  a.now().UTC(),
		}
		id, err := tx.InsertImage(ctx, candidate)
		if err != nil {
			return err
		}
		candidate.ID = id
		img = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}

	if reused {
		log.Printf("[Catalog] %s already attached to product %d (image=%d)", storageKey, productID, img.ID)
		return img, nil
	}
	log.Printf("[Catalog] Attached %s to product %d (image=%d sort=%d primary=%t)",
		storageKey, productID, img.ID, img.SortOrder, img.IsPrimary)
	return img, nil
}
