package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired = errors.New("ledger: token expired")
	ErrTokenInvalid = errors.New("ledger: token invalid")
	ErrTokenRevoked = errors.New("ledger: token revoked")
)

// TokenIssuer 签发和校验 HS256 会话 token
// 吊销集只存在内存里，进程重启即清空——已知限制，按设计保留
type TokenIssuer struct {
	secret []byte
	expiry time.Duration

	// 可替换时钟，测试用
	now func() time.Time

	mu      sync.RWMutex
	revoked map[string]time.Time // jti -> 过期时间，过期后可被清理
}

func NewTokenIssuer(secret string, expiry time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:  []byte(secret),
		expiry:  expiry,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

// WithClock 替换时间源，仅测试使用
func (t *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	t.now = now
	return t
}

// Issue 为用户签发带 jti 的 token
func (t *TokenIssuer) Issue(username string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.expiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify 校验签名、有效期和吊销状态，返回用户名和 jti
func (t *TokenIssuer) Verify(tokenStr string) (username, jti string, err error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims,
		func(tok *jwt.Token) (interface{}, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrTokenInvalid
			}
			return t.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrTokenExpired
		}
		return "", "", ErrTokenInvalid
	}
	if !token.Valid || claims.Subject == "" || claims.ID == "" {
		return "", "", ErrTokenInvalid
	}

	t.mu.RLock()
	_, isRevoked := t.revoked[claims.ID]
	t.mu.RUnlock()
	if isRevoked {
		return "", "", ErrTokenRevoked
	}

	return claims.Subject, claims.ID, nil
}

// Revoke 把 jti 加入吊销集
func (t *TokenIssuer) Revoke(jti string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.revoked[jti] = t.now().Add(t.expiry)
	t.gcLocked()
}

// gcLocked 顺手清掉已经自然过期的吊销项，集合不会无限增长
func (t *TokenIssuer) gcLocked() {
	if len(t.revoked) < 1024 {
		return
	}
	now := t.now()
	for jti, deadline := range t.revoked {
		if now.After(deadline) {
			delete(t.revoked, jti)
		}
	}
}
