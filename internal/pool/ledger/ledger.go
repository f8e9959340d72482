package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hivemind/pkg/model"
	"hivemind/pkg/store"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// 业务规则错误，调用方用 errors.Is 分支，不作为异常抛出
var (
	ErrUsernameTaken       = errors.New("ledger: username taken")
	ErrInvalidCredentials  = errors.New("ledger: invalid credentials")
	ErrUnknownAccount      = errors.New("ledger: unknown account")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAccountDisabled     = errors.New("ledger: account disabled")
)

// 新用户的初始信用评分
const initialCreditScore = 100

// Ledger 用户账本：凭证、余额、转账
// 余额的唯一事实来源，任何其他渠道上报的余额只作参考
type Ledger struct {
	store  store.Store
	tokens *TokenIssuer
	log    *zap.Logger
}

func New(s store.Store, tokens *TokenIssuer, log *zap.Logger) *Ledger {
	return &Ledger{store: s, tokens: tokens, log: log}
}

// Register 注册用户，初始余额为 0
func (l *Ledger) Register(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: empty username or password", ErrInvalidCredentials)
	}

	if _, err := l.store.GetAccount(ctx, username); err == nil {
		return fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	acct := &model.UserAccount{
		Username:     username,
		PasswordHash: string(hash),
		Balance:      0,
		CreditScore:  initialCreditScore,
	}
	if err := l.store.PutAccount(ctx, acct); err != nil {
		return err
	}

	l.log.Info("user registered", zap.String("username", username))
	return nil
}

// Login 校验凭证并签发会话 token
func (l *Ledger) Login(ctx context.Context, username, password string) (string, error) {
	acct, err := l.store.GetAccount(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		// 账户不存在和密码错误返回同一种错误，不泄露用户名是否注册
		return "", ErrInvalidCredentials
	} else if err != nil {
		return "", err
	}
	if acct.Disabled {
		return "", ErrAccountDisabled
	}

	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	token, err := l.tokens.Issue(username)
	if err != nil {
		return "", err
	}
	l.log.Info("user logged in", zap.String("username", username))
	return token, nil
}

// VerifyToken 校验 token 返回用户名，无需查库
func (l *Ledger) VerifyToken(token string) (string, error) {
	username, _, err := l.tokens.Verify(token)
	return username, err
}

// Logout 吊销 token
func (l *Ledger) Logout(token string) error {
	_, jti, err := l.tokens.Verify(token)
	if err != nil {
		return err
	}
	l.tokens.Revoke(jti)
	return nil
}

// Balance 查询余额
func (l *Ledger) Balance(ctx context.Context, username string) (int64, error) {
	acct, err := l.store.GetAccount(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, username)
	} else if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Transfer 转账：借记 sender 贷记 receiver，单步原子完成
// 任何时刻两账户余额之和不变；金额校验先于一切状态访问
func (l *Ledger) Transfer(ctx context.Context, sender, receiver string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if sender == receiver {
		return fmt.Errorf("%w: self transfer", ErrInvalidAmount)
	}

	err := l.store.TransferTx(ctx, sender, receiver, amount,
		func(from, _ *model.UserAccount) error {
			if from.Balance < amount {
				return fmt.Errorf("%w: balance %d < %d", ErrInsufficientBalance, from.Balance, amount)
			}
			return nil
		})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s or %s", ErrUnknownAccount, sender, receiver)
	}
	if err != nil {
		return err
	}

	l.log.Info("transfer completed",
		zap.String("sender", sender),
		zap.String("receiver", receiver),
		zap.Int64("amount", amount))
	return nil
}

// Deposit 充值 (运营入口，跳过守恒检查因为是外部注入)
func (l *Ledger) Deposit(ctx context.Context, username string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	for {
		acct, err := l.store.GetAccount(ctx, username)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, username)
		} else if err != nil {
			return err
		}
		acct.Balance += amount
		err = l.store.UpdateAccountCAS(ctx, acct)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
}

// UpdatePassword 更新密码
func (l *Ledger) UpdatePassword(ctx context.Context, username, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("%w: empty password", ErrInvalidCredentials)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	for {
		acct, err := l.store.GetAccount(ctx, username)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, username)
		} else if err != nil {
			return err
		}
		acct.PasswordHash = string(hash)
		err = l.store.UpdateAccountCAS(ctx, acct)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
}

// SetDisabled 软禁用/恢复账户，账户永不删除
func (l *Ledger) SetDisabled(ctx context.Context, username string, disabled bool) error {
	for {
		acct, err := l.store.GetAccount(ctx, username)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, username)
		} else if err != nil {
			return err
		}
		acct.Disabled = disabled
		err = l.store.UpdateAccountCAS(ctx, acct)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err == nil {
			l.log.Info("account disabled state changed",
				zap.String("username", username), zap.Bool("disabled", disabled))
		}
		return err
	}
}

// CreditScore 查询信用评分，注册节点时用于信任分组
func (l *Ledger) CreditScore(ctx context.Context, username string) (int, error) {
	acct, err := l.store.GetAccount(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, username)
	} else if err != nil {
		return 0, err
	}
	return acct.CreditScore, nil
}

// SessionExpiry token 有效期，对外暴露给边界层做提示
func (l *Ledger) SessionExpiry() time.Duration {
	return l.tokens.expiry
}
