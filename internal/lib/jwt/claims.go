// Package jwt реализует генерацию и проверку JWT токенов пользователей.
//
// Идентификатор пользователя хранится в стандартном claim sub, email в отдельном поле.
package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims описывает пользовательские данные, хранящиеся в JWT.
type CustomClaims struct {
	Email                string `json:"email"` // Адрес для уведомлений
	jwt.RegisteredClaims        // Subject содержит идентификатор пользователя
}

// UserID возвращает идентификатор пользователя из claim sub.
func (c *CustomClaims) UserID() string {
	return c.Subject
}

// Maker описывает генерацию и разбор JWT токенов.
type Maker interface {
	GenerateToken(userID, email string) (string, error)
	ParseToken(tokenStr string) (*CustomClaims, error)
}

// MakerImpl реализует Maker с подписью HS256.
type MakerImpl struct {
	secretKey string        // Секретный ключ для подписи токенов.
	tokenTTL  time.Duration // Время жизни токена.
}

// NewJWTMaker создаёт новый экземпляр MakerImpl на основе секретного ключа и TTL.
func NewJWTMaker(secretKey string, ttl time.Duration) *MakerImpl {
	return &MakerImpl{
		secretKey: secretKey,
		tokenTTL:  ttl,
	}
}
