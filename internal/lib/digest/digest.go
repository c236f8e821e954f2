// Package digest вычисляет отпечатки полезной нагрузки и псевдонимы для анонимизации.
package digest

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Sum возвращает hex BLAKE2b-256 от payload.
func Sum(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Pseudonym возвращает стабильный ключевой псевдоним значения.
// Один и тот же key и value всегда дают одинаковый результат, что делает
// повторную анонимизацию идемпотентной.
func Pseudonym(key []byte, value string) string {
	h, err := blake2b.New256(key)
	if err != nil {
		// ключ длиннее 64 байт: сокращаем его тем же хешем
		k := blake2b.Sum256(key)
		h, _ = blake2b.New256(k[:])
	}
	h.Write([]byte(value))
	return "erased:" + hex.EncodeToString(h.Sum(nil))[:32]
}
