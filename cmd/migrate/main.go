// Package main 数据库迁移工具
package main

import (
	"errors"
	"flag"
	"log"

	"github.com/pu-ac-cn/cas-backend/internal/config"
	"github.com/pu-ac-cn/cas-backend/internal/database"
	"github.com/pu-ac-cn/cas-backend/internal/model"
	"gorm.io/gorm"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "", "配置文件路径")
	seed := flag.Bool("seed", false, "写入初始管理员与示例注册服务")
	flag.Parse()

	// 加载配置
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化数据库连接
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()
	log.Println("数据库连接成功")

	// 执行迁移
	log.Println("开始执行数据库迁移...")

	models := []any{
		&model.User{},
		&model.RegisteredService{},
	}

	for _, m := range models {
		if err := database.AutoMigrate(m); err != nil {
			log.Fatalf("迁移失败: %v", err)
		}
	}

	log.Println("数据库迁移完成！")
	log.Println("已创建/更新的表:")
	log.Println("  - users (用户表)")
	log.Println("  - registered_services (注册服务表)")

	if *seed {
		seedData()
	}
}

// seedData 写入初始数据，已存在时跳过
func seedData() {
	db := database.GetDB()

	var admin model.User
	err := db.Where("username = ?", "admin").First(&admin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		admin = model.User{
			Username:    "admin",
			Email:       "admin@example.com",
			DisplayName: "系统管理员",
			Status:      model.StatusActive,
		}
		if err := admin.SetPassword("admin123456"); err != nil {
			log.Fatalf("设置初始密码失败: %v", err)
		}
		if err := db.Create(&admin).Error; err != nil {
			log.Fatalf("创建初始管理员失败: %v", err)
		}
		log.Println("已创建初始管理员 admin（请尽快修改默认密码）")
	}

	var count int64
	db.Model(&model.RegisteredService{}).Count(&count)
	if count == 0 {
		svc := &model.RegisteredService{
			Name:         "示例应用",
			Description:  "演示用的注册服务",
			Pattern:      "https://app.example.com/",
			MatchType:    model.MatchPrefix,
			Enabled:      true,
			SSOEnabled:   true,
			CaptchaMode:  model.CaptchaDefault,
			AllowedAttrs: model.StringSlice{"email", "display_name"},
		}
		if err := db.Create(svc).Error; err != nil {
			log.Fatalf("创建示例注册服务失败: %v", err)
		}
		log.Println("已创建示例注册服务")
	}
}
