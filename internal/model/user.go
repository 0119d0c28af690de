package model

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User 用户模型，作为主认证的凭据存储
type User struct {
	BaseModel
	Username          string      `gorm:"type:varchar(100);uniqueIndex" json:"username"`
	Email             string      `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	PasswordHash      string      `gorm:"type:varchar(255)" json:"-"`
	DisplayName       string      `gorm:"type:varchar(100)" json:"display_name"`
	Status            string      `gorm:"type:varchar(20);default:active" json:"status"`
	Attributes        StringMap   `gorm:"type:json" json:"attributes"` // 随票据释放的用户属性
	FailedLoginCount  int         `gorm:"default:0" json:"-"`
	LockedUntil       *time.Time  `json:"-"`
	PasswordChangedAt *time.Time  `json:"-"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// SetPassword 设置密码（哈希存储）
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	now := time.Now()
	u.PasswordChangedAt = &now
	return nil
}

// VerifyPassword 验证密码
func (u *User) VerifyPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	return err == nil
}

// IsActive 检查用户是否启用
func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// IsLocked 检查用户是否被锁定
func (u *User) IsLocked() bool {
	if u.LockedUntil == nil {
		return false
	}
	return time.Now().Before(*u.LockedUntil)
}

// IsPasswordExpired 检查密码是否超过有效期
// maxAge 为 0 时密码永不过期
func (u *User) IsPasswordExpired(maxAge time.Duration) bool {
	if maxAge == 0 || u.PasswordChangedAt == nil {
		return false
	}
	return time.Now().After(u.PasswordChangedAt.Add(maxAge))
}

// IncrementFailedLogin 增加登录失败次数
func (u *User) IncrementFailedLogin() {
	u.FailedLoginCount++
	if u.FailedLoginCount >= MaxFailedAttempts {
		lockTime := time.Now().Add(LockDuration)
		u.LockedUntil = &lockTime
	}
}

// ResetFailedLogin 重置登录失败次数
func (u *User) ResetFailedLogin() {
	u.FailedLoginCount = 0
	u.LockedUntil = nil
}

// Principal 构造认证主体
func (u *User) Principal() *Principal {
	attrs := make(map[string][]string, len(u.Attributes)+2)
	for k, v := range u.Attributes {
		attrs[k] = []string{v}
	}
	if u.Email != "" {
		attrs["email"] = []string{u.Email}
	}
	if u.DisplayName != "" {
		attrs["display_name"] = []string{u.DisplayName}
	}
	return &Principal{ID: u.Username, Attributes: attrs}
}

// MaxFailedAttempts 最大失败尝试次数
const MaxFailedAttempts = 5

// LockDuration 账户锁定时长
const LockDuration = 15 * time.Minute
