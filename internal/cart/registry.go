package cart

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Registry 按买家懒加载购物车会话。
type Registry struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	carts map[common.Address]*Cart
}

// NewRegistry 创建购物车注册表。
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		logger: logger.Named("cart"),
		carts:  make(map[common.Address]*Cart),
	}
}

// Get 返回买家购物车，首次访问时从存储加载。
func (r *Registry) Get(ctx context.Context, buyer common.Address) (*Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.carts[buyer]; ok {
		return c, nil
	}
	c, err := Open(ctx, r.store, buyer, r.logger)
	if err != nil {
		return nil, err
	}
	r.carts[buyer] = c
	return c, nil
}
