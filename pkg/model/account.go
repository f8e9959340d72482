package model

// UserAccount 用户账户
// 余额永不为负；账户只做软禁用，不删除
type UserAccount struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"` // bcrypt，明文不落库不传输
	Balance      int64  `json:"balance"`
	CreditScore  int    `json:"credit_score"` // 信用评分
	Disabled     bool   `json:"disabled"`

	// 乐观锁版本号，Store.UpdateAccountCAS 递增
	Version int64 `json:"version"`
}
