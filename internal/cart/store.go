package cart

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Storage Storage
	Logger  *zap.Logger
}

// Store owns one cart. Every transition goes through Dispatch, which applies the
// reducer under a lock and then persists the item list.
type Store struct {
	mu      sync.Mutex
	state   State
	storage Storage
	logger  *zap.Logger
}

// NewStore hydrates a store from storage. Storage failures and malformed data
// yield an empty cart.
func NewStore(ctx context.Context, cfg StoreConfig) *Store {
	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{
		state:   State{Items: []Item{}},
		storage: storage,
		logger:  logger,
	}

	data, err := storage.Load(ctx)
	if err != nil {
		logger.Warn("cart hydrate failed", zap.Error(err))
		return store
	}
	store.state.Items = DecodeItems(data)
	return store
}

// Dispatch applies the action and returns the resulting state.
func (s *Store) Dispatch(ctx context.Context, action Action) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = reduce(s.state, action)
	if !mutatesItems(action) {
		return s.snapshot()
	}

	if _, isClear := action.(ClearCart); isClear {
		if err := s.storage.Clear(ctx); err != nil {
			s.logger.Warn("cart storage clear failed", zap.Error(err))
		}
		return s.snapshot()
	}

	data, err := EncodeItems(s.state.Items)
	if err != nil {
		s.logger.Warn("cart encode failed", zap.Error(err))
		return s.snapshot()
	}
	if err := s.storage.Save(ctx, data); err != nil {
		s.logger.Warn("cart storage save failed", zap.Error(err))
	}
	return s.snapshot()
}

// AddItem merges the item into the cart.
func (s *Store) AddItem(ctx context.Context, item Item) State {
	return s.Dispatch(ctx, AddItem{Item: item})
}

// RemoveItem drops a line.
func (s *Store) RemoveItem(ctx context.Context, key ItemKey) State {
	return s.Dispatch(ctx, RemoveItem{Key: key})
}

// UpdateQuantity sets a line's quantity.
func (s *Store) UpdateQuantity(ctx context.Context, key ItemKey, quantity int) State {
	return s.Dispatch(ctx, UpdateQuantity{Key: key, Quantity: quantity})
}

// ClearCart empties the cart.
func (s *Store) ClearCart(ctx context.Context) State {
	return s.Dispatch(ctx, ClearCart{})
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// TotalItems returns the sum of line quantities.
func (s *Store) TotalItems() int {
	return s.State().TotalItems()
}

// TotalPriceCents returns the cart total in minor-currency units.
func (s *Store) TotalPriceCents() int64 {
	return s.State().TotalPriceCents()
}

func (s *Store) snapshot() State {
	return State{
		Items:      append([]Item{}, s.state.Items...),
		DrawerOpen: s.state.DrawerOpen,
	}
}
