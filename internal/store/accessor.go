// Package store 提供绑定到单个分区的实体访问器。
// 访问器在边界处执行模型校验，并把 gorm 错误翻译为 errcode 分类。
package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
)

type validator interface {
	Validate() error
}

// Query 描述一次查询的条件。Where 为等值条件，Scopes 用于更复杂的过滤。
type Query struct {
	Where  map[string]any
	Scopes []func(*gorm.DB) *gorm.DB
	Select []string
	Order  string
	Limit  int
	Offset int
}

func (q Query) apply(db *gorm.DB) *gorm.DB {
	if len(q.Where) > 0 {
		db = db.Where(q.Where)
	}
	if len(q.Scopes) > 0 {
		db = db.Scopes(q.Scopes...)
	}
	if len(q.Select) > 0 {
		db = db.Select(q.Select)
	}
	if q.Order != "" {
		db = db.Order(q.Order)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	if q.Offset > 0 {
		db = db.Offset(q.Offset)
	}
	return db
}

// Accessor 是实体 T 在某个分区上的读写入口。
type Accessor[T any] struct {
	role database.Role
	kind string
	db   *gorm.DB
}

// Role 返回访问器绑定的分区。
func (a *Accessor[T]) Role() database.Role { return a.role }

// Create 校验并插入实体。
func (a *Accessor[T]) Create(ctx context.Context, entity *T) error {
	if err := validate(entity); err != nil {
		return err
	}
	if err := a.db.WithContext(ctx).Create(entity).Error; err != nil {
		return a.translate("create", err)
	}
	return nil
}

// FindByID 按主键读取。
func (a *Accessor[T]) FindByID(ctx context.Context, id uint) (*T, error) {
	var out T
	if err := a.db.WithContext(ctx).First(&out, id).Error; err != nil {
		return nil, a.translate("find", err)
	}
	return &out, nil
}

// FindOne 返回第一条匹配记录。
func (a *Accessor[T]) FindOne(ctx context.Context, q Query) (*T, error) {
	var out T
	if err := q.apply(a.db.WithContext(ctx)).First(&out).Error; err != nil {
		return nil, a.translate("find", err)
	}
	return &out, nil
}

// Find 返回全部匹配记录。
func (a *Accessor[T]) Find(ctx context.Context, q Query) ([]T, error) {
	var out []T
	if err := q.apply(a.db.WithContext(ctx)).Find(&out).Error; err != nil {
		return nil, a.translate("list", err)
	}
	return out, nil
}

// Count 统计匹配记录数，忽略分页参数。
func (a *Accessor[T]) Count(ctx context.Context, q Query) (int64, error) {
	q.Limit, q.Offset, q.Order = 0, 0, ""
	var count int64
	var model T
	if err := q.apply(a.db.WithContext(ctx).Model(&model)).Count(&count).Error; err != nil {
		return 0, a.translate("count", err)
	}
	return count, nil
}

// Save 校验并整体写回实体。
func (a *Accessor[T]) Save(ctx context.Context, entity *T) error {
	if err := validate(entity); err != nil {
		return err
	}
	if err := a.db.WithContext(ctx).Save(entity).Error; err != nil {
		return a.translate("save", err)
	}
	return nil
}

// Update 读取实体、执行 mutate、校验后只写回 columns 列。
// 其他列保持数据库中的值，并发修改不同列的写入互不覆盖。
func (a *Accessor[T]) Update(ctx context.Context, id uint, mutate func(*T) error, columns ...string) (*T, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: update %s requires columns", errcode.ErrValidation, a.kind)
	}
	entity, err := a.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(entity); err != nil {
		return nil, err
	}
	if err := validate(entity); err != nil {
		return nil, err
	}

	res := a.db.WithContext(ctx).Model(entity).Select(columns).Updates(entity)
	if res.Error != nil {
		return nil, a.translate("update", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s %d", errcode.ErrNotFound, a.kind, id)
	}
	return entity, nil
}

// Delete 按主键删除，记录不存在时返回 ErrNotFound。
func (a *Accessor[T]) Delete(ctx context.Context, id uint) error {
	var model T
	res := a.db.WithContext(ctx).Delete(&model, id)
	if res.Error != nil {
		return a.translate("delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %d", errcode.ErrNotFound, a.kind, id)
	}
	return nil
}

// Upsert 以 conflictColumns 为唯一键原子地插入或覆盖。id 与 created_at 保持不变。
func (a *Accessor[T]) Upsert(ctx context.Context, entity *T, conflictColumns ...string) error {
	if len(conflictColumns) == 0 {
		return fmt.Errorf("%w: upsert %s requires a conflict column", errcode.ErrValidation, a.kind)
	}
	if err := validate(entity); err != nil {
		return err
	}

	db := a.db.WithContext(ctx)
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(entity); err != nil {
		return fmt.Errorf("parse %s schema: %w", a.kind, err)
	}

	skip := append([]string{"id", "created_at"}, conflictColumns...)
	updates := make([]string, 0, len(stmt.Schema.DBNames))
	for _, name := range stmt.Schema.DBNames {
		if !slices.Contains(skip, name) {
			updates = append(updates, name)
		}
	}

	columns := make([]clause.Column, 0, len(conflictColumns))
	for _, name := range conflictColumns {
		columns = append(columns, clause.Column{Name: name})
	}

	err := db.Clauses(clause.OnConflict{
		Columns:   columns,
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(entity).Error
	if err != nil {
		return a.translate("upsert", err)
	}
	return nil
}

func (a *Accessor[T]) translate(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %s", errcode.ErrNotFound, a.kind)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s already exists", errcode.ErrConflict, a.kind)
	case errors.Is(err, context.DeadlineExceeded):
		return errcode.Timeout(fmt.Errorf("%s %s in %s partition: %w", op, a.kind, a.role, err))
	}
	return fmt.Errorf("%s %s in %s partition: %w", op, a.kind, a.role, err)
}

func validate(entity any) error {
	if v, ok := entity.(validator); ok {
		return v.Validate()
	}
	return nil
}

func kindOf[T any]() string {
	return reflect.TypeFor[T]().Name()
}
