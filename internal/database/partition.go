package database

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"aiInterview/internal/config"
	"aiInterview/internal/errcode"
)

// Role 标识一个数据分区。
type Role string

const (
	RoleRecruiter Role = "recruiter"
	RoleStudent   Role = "student"
	RoleMain      Role = "main"
)

// AllRoles 是进程启动时需要预热的全部分区。
var AllRoles = []Role{RoleMain, RoleRecruiter, RoleStudent}

// Valid 判断是否为已知分区。
func (r Role) Valid() bool {
	switch r {
	case RoleRecruiter, RoleStudent, RoleMain:
		return true
	}
	return false
}

// RoleForUser 返回账号角色所在的分区。admin 账号存放在 main 分区。
func RoleForUser(userRole string) (Role, bool) {
	switch userRole {
	case UserRoleStudent:
		return RoleStudent, true
	case UserRoleRecruiter:
		return RoleRecruiter, true
	case UserRoleAdmin:
		return RoleMain, true
	}
	return "", false
}

// PartitionName 由基础库名与角色确定性地推导分区库名。
func PartitionName(base string, role Role) string {
	if role == RoleMain {
		return base
	}
	return fmt.Sprintf("%s_%ss", base, role)
}

// OwnedModels 返回每个分区负责存储的模型。
func OwnedModels(role Role) []any {
	switch role {
	case RoleRecruiter:
		return []any{&User{}, &Job{}}
	case RoleStudent:
		return []any{&User{}, &Application{}, &InterviewResult{}}
	case RoleMain:
		return []any{&User{}}
	}
	return nil
}

// Hosts 判断 model 是否由该分区存储。
func Hosts(role Role, model any) bool {
	want := reflect.Indirect(reflect.ValueOf(model)).Type()
	for _, owned := range OwnedModels(role) {
		if reflect.TypeOf(owned).Elem() == want {
			return true
		}
	}
	return false
}

// Partitions 是分区连接的获取入口，测试中可替换为内存实现。
type Partitions interface {
	Partition(ctx context.Context, role Role) (*gorm.DB, error)
}

// Opener 按分区配置建立连接。
type Opener func(cfg config.DatabaseConfig) (*gorm.DB, error)

// Option 配置 Registry。
type Option func(*Registry)

// WithOpener 替换默认的 PostgreSQL 连接方式。
func WithOpener(open Opener) Option {
	return func(r *Registry) { r.open = open }
}

// WithLogger 设置日志。
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

type partitionEntry struct {
	mu sync.Mutex
	db *gorm.DB
}

// Registry 为每个角色懒加载并缓存一个连接，连接在进程生命周期内复用。
type Registry struct {
	base    config.DatabaseConfig
	open    Opener
	logger  *slog.Logger
	mu      sync.Mutex
	entries map[Role]*partitionEntry
}

// NewRegistry 构造分区注册表，此时不建立任何连接。
func NewRegistry(base config.DatabaseConfig, opts ...Option) *Registry {
	r := &Registry{
		base:    base,
		open:    InitDatabase,
		logger:  slog.Default(),
		entries: make(map[Role]*partitionEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Partition 返回角色对应的连接，首次调用时建立连接。
func (r *Registry) Partition(ctx context.Context, role Role) (*gorm.DB, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown partition %q", errcode.ErrConfiguration, role)
	}

	r.mu.Lock()
	entry, ok := r.entries[role]
	if !ok {
		entry = &partitionEntry{}
		r.entries[role] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.db != nil {
		return entry.db.WithContext(ctx), nil
	}

	if err := config.ValidateDatabase(r.base); err != nil {
		return nil, err
	}

	target := r.base.WithName(PartitionName(r.base.Name, role))
	db, err := r.open(target)
	if err != nil {
		return nil, fmt.Errorf("connect %s partition: %w", role, err)
	}
	entry.db = db

	r.logger.Info("partition connected",
		slog.String("role", string(role)),
		slog.String("database", target.Name),
	)
	return db.WithContext(ctx), nil
}

// InitializeAll 并发预热全部分区，任一分区不可达即失败。
func (r *Registry) InitializeAll(ctx context.Context, roles ...Role) error {
	if len(roles) == 0 {
		roles = AllRoles
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		g.Go(func() error {
			db, err := r.Partition(gctx, role)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return fmt.Errorf("unwrap %s partition: %w", role, err)
			}
			if err := sqlDB.PingContext(gctx); err != nil {
				return fmt.Errorf("ping %s partition: %w", role, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Migrate 在每个分区上只迁移该分区负责的模型。
func (r *Registry) Migrate(ctx context.Context, roles ...Role) error {
	if len(roles) == 0 {
		roles = AllRoles
	}
	for _, role := range roles {
		db, err := r.Partition(ctx, role)
		if err != nil {
			return err
		}
		if err := db.AutoMigrate(OwnedModels(role)...); err != nil {
			return fmt.Errorf("migrate %s partition: %w", role, err)
		}
	}
	return nil
}

// Close 关闭已建立的连接，仅在进程退出时调用。
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for role, entry := range r.entries {
		entry.mu.Lock()
		if entry.db != nil {
			if sqlDB, err := entry.db.DB(); err == nil {
				if err := sqlDB.Close(); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("close %s partition: %w", role, err)
				}
			}
			entry.db = nil
		}
		entry.mu.Unlock()
	}
	return firstErr
}
