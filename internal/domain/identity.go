// Package domain 定义了实时会话与执行引擎使用的数据结构。
package domain

// Identity 表示一个已通过外部凭证验证的用户身份。
// 引擎本身不做认证，只消费验证结果。
type Identity struct {
	UserID      uint   `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}
