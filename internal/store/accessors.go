package store

import (
	"context"
	"fmt"
	"sync"

	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
)

type accessorKey struct {
	kind string
	role database.Role
}

// Accessors 按 (实体, 分区) 缓存访问器，并发安全。
type Accessors struct {
	partitions database.Partitions

	mu    sync.Mutex
	cache map[accessorKey]any
}

// NewAccessors 基于分区注册表构造访问器缓存。
func NewAccessors(partitions database.Partitions) *Accessors {
	return &Accessors{
		partitions: partitions,
		cache:      make(map[accessorKey]any),
	}
}

// For 返回实体 T 在 role 分区上的访问器。
// 分区不负责存储 T 时返回 ErrConfiguration，调用方无法借此跨分区读写。
func For[T any](ctx context.Context, set *Accessors, role database.Role) (*Accessor[T], error) {
	var zero T
	kind := kindOf[T]()
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown partition %q", errcode.ErrConfiguration, role)
	}
	if !database.Hosts(role, &zero) {
		return nil, fmt.Errorf("%w: %s is not stored in the %s partition", errcode.ErrConfiguration, kind, role)
	}

	key := accessorKey{kind: kind, role: role}
	set.mu.Lock()
	cached, ok := set.cache[key]
	set.mu.Unlock()
	if ok {
		return cached.(*Accessor[T]), nil
	}

	// 建连可能耗时数秒，不在锁内进行，其他分区的查找不受影响。
	db, err := set.partitions.Partition(ctx, role)
	if err != nil {
		return nil, err
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	if cached, ok := set.cache[key]; ok {
		return cached.(*Accessor[T]), nil
	}
	acc := &Accessor[T]{role: role, kind: kind, db: db}
	set.cache[key] = acc
	return acc, nil
}
