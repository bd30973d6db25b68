package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/datatypes"

	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
	"aiInterview/internal/store"
)

// ErrInvalidCredentials 表示用户名或密码错误，不区分两者。
var ErrInvalidCredentials = errors.New("invalid credentials")

// Registration 是注册所需的账号信息。
type Registration struct {
	Username string
	Email    string
	Password string
	Profile  database.UserProfile
}

// Accounts 管理各分区中的账号。
type Accounts struct {
	accessors *store.Accessors
	logger    *slog.Logger
}

// NewAccounts 创建账号服务。
func NewAccounts(accessors *store.Accessors, logger *slog.Logger) *Accounts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{accessors: accessors, logger: logger}
}

func userRoleFor(role database.Role) string {
	switch role {
	case database.RoleStudent:
		return database.UserRoleStudent
	case database.RoleRecruiter:
		return database.UserRoleRecruiter
	}
	return database.UserRoleAdmin
}

func (a *Accounts) users(ctx context.Context, role database.Role) (*store.Accessor[database.User], error) {
	return store.For[database.User](ctx, a.accessors, role)
}

// Register 在 role 分区自助注册。main 分区的账号只能由管理命令创建。
func (a *Accounts) Register(ctx context.Context, role database.Role, in Registration) (*database.User, error) {
	if role == database.RoleMain {
		return nil, fmt.Errorf("%w: self registration is not allowed for %s", errcode.ErrForbidden, role)
	}
	return a.create(ctx, role, in, false)
}

// CreateWithGeneratedPassword 创建账号并返回仅显示一次的随机初始密码，首次登录需改密。
func (a *Accounts) CreateWithGeneratedPassword(ctx context.Context, role database.Role, username, email string) (*database.User, string, error) {
	password, err := GenerateRandomPassword(24)
	if err != nil {
		return nil, "", err
	}
	user, err := a.create(ctx, role, Registration{Username: username, Email: email, Password: password}, true)
	if err != nil {
		return nil, "", err
	}
	return user, password, nil
}

func (a *Accounts) create(ctx context.Context, role database.Role, in Registration, mustChange bool) (*database.User, error) {
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	users, err := a.users(ctx, role)
	if err != nil {
		return nil, err
	}

	hashed, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := &database.User{
		Username:           strings.TrimSpace(in.Username),
		Email:              in.Email,
		PasswordHash:       hashed,
		Role:               userRoleFor(role),
		MustChangePassword: mustChange,
	}
	user.Profile = datatypes.NewJSONType(in.Profile)
	if err := users.Create(ctx, user); err != nil {
		if errors.Is(err, errcode.ErrConflict) {
			return nil, fmt.Errorf("%w: username or email already taken", errcode.ErrConflict)
		}
		return nil, err
	}

	a.logger.InfoContext(ctx, "account created",
		slog.String("role", string(role)),
		slog.Uint64("user_id", uint64(user.ID)),
	)
	return user, nil
}

// Authenticate 按用户名或邮箱在 role 分区中校验口令。
func (a *Accounts) Authenticate(ctx context.Context, role database.Role, login, password string) (*database.User, error) {
	users, err := a.users(ctx, role)
	if err != nil {
		return nil, err
	}
	login = strings.TrimSpace(login)
	field := "username"
	if strings.Contains(login, "@") {
		field = "email"
		login = strings.ToLower(login)
	}

	user, err := users.FindOne(ctx, store.Query{Where: map[string]any{field: login}})
	if err != nil {
		if errors.Is(err, errcode.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !CheckPasswordHash(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// User 返回 role 分区中的账号。
func (a *Accounts) User(ctx context.Context, role database.Role, id uint) (*database.User, error) {
	users, err := a.users(ctx, role)
	if err != nil {
		return nil, err
	}
	return users.FindByID(ctx, id)
}

// ChangePassword 校验当前密码后更新，并清除强制改密标记。
func (a *Accounts) ChangePassword(ctx context.Context, role database.Role, id uint, current, next string) (*database.User, error) {
	if err := validatePassword(next); err != nil {
		return nil, err
	}
	if strings.TrimSpace(current) == strings.TrimSpace(next) {
		return nil, fmt.Errorf("%w: new password must be different from current password", errcode.ErrValidation)
	}
	users, err := a.users(ctx, role)
	if err != nil {
		return nil, err
	}
	hashed, err := HashPassword(next)
	if err != nil {
		return nil, err
	}
	return users.Update(ctx, id, func(u *database.User) error {
		if !CheckPasswordHash(current, u.PasswordHash) {
			return ErrInvalidCredentials
		}
		u.PasswordHash = hashed
		u.MustChangePassword = false
		return nil
	}, "password_hash", "must_change_password")
}

// UpdateProfile 替换学生的面试画像。
func (a *Accounts) UpdateProfile(ctx context.Context, role database.Role, id uint, profile database.UserProfile) (*database.User, error) {
	users, err := a.users(ctx, role)
	if err != nil {
		return nil, err
	}
	return users.Update(ctx, id, func(u *database.User) error {
		u.Profile = datatypes.NewJSONType(profile)
		return nil
	}, "profile")
}
