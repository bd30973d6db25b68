package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"

	"aiInterview/internal/auth"
	"aiInterview/internal/config"
	"aiInterview/internal/database"
	"aiInterview/internal/errcode"
	"aiInterview/internal/store"
)

func main() {
	var (
		role     = flag.String("role", string(database.RoleMain), "账号所在分区：main、recruiter 或 student")
		username = flag.String("username", "", "初始账号用户名（必填）")
		email    = flag.String("email", "", "账号邮箱（必填）")
		dbHost   = flag.String("db-host", "", "数据库 Host（可选，默认读 DATABASE_HOST）")
		dbPort   = flag.Int("db-port", 0, "数据库 Port（可选，默认读 DATABASE_PORT）")
		dbName   = flag.String("db-name", "", "基础数据库名（可选，默认读 POSTGRES_DB），分区库名由此派生")
		dbUser   = flag.String("db-user", "", "数据库用户（可选，默认读 POSTGRES_USER）")
		dbPass   = flag.String("db-password", "", "数据库密码（可选，默认读 POSTGRES_PASSWORD）")
		sslMode  = flag.String("db-sslmode", "", "数据库 SSLMODE（可选，默认读 DATABASE_SSLMODE）")
	)
	flag.Parse()

	u := strings.TrimSpace(*username)
	if u == "" {
		log.Fatal("missing required flag: --username")
	}
	mail := strings.TrimSpace(*email)
	if mail == "" {
		log.Fatal("missing required flag: --email")
	}
	partition := database.Role(strings.ToLower(strings.TrimSpace(*role)))
	if !partition.Valid() {
		log.Fatalf("unknown --role %q", *role)
	}

	dbCfg, err := loadDatabaseConfig(*dbHost, *dbPort, *dbName, *dbUser, *dbPass, *sslMode)
	if err != nil {
		log.Fatalf("load database config: %v", err)
	}

	ctx := context.Background()
	registry := database.NewRegistry(dbCfg)
	defer registry.Close()
	if err := registry.Migrate(ctx, partition); err != nil {
		log.Fatalf("migrate %s partition: %v", partition, err)
	}

	accounts := auth.NewAccounts(store.NewAccessors(registry), nil)
	user, password, err := accounts.CreateWithGeneratedPassword(ctx, partition, u, mail)
	switch {
	case errors.Is(err, errcode.ErrConflict):
		log.Fatalf("user %q already exists in %s partition", u, partition)
	case err != nil:
		log.Fatalf("create user: %v", err)
	}

	fmt.Printf("已在 %s 分区创建账号（首次登录需强制改密）：\n", partition)
	fmt.Printf("用户 ID: %d\n", user.ID)
	fmt.Printf("用户名: %s\n", user.Username)
	fmt.Printf("初始密码: %s\n", password)
	fmt.Printf("提示：请立即登录并修改密码（该密码仅显示一次）。\n")
}

// loadDatabaseConfig 以环境变量（含默认值）为底，命令行参数覆盖。
func loadDatabaseConfig(host string, port int, name, user, password, sslmode string) (config.DatabaseConfig, error) {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return config.DatabaseConfig{}, err
	}
	overrides := []struct {
		flag string
		dst  *string
	}{
		{host, &cfg.Host},
		{name, &cfg.Name},
		{user, &cfg.User},
		{password, &cfg.Password},
		{sslmode, &cfg.SSLMode},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(o.flag); v != "" {
			*o.dst = v
		}
	}
	if port > 0 {
		cfg.Port = port
	}
	if err := config.ValidateDatabase(cfg); err != nil {
		return config.DatabaseConfig{}, err
	}
	return cfg, nil
}
