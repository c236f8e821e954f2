// Package sl содержит вспомогательные функции для работы с логгером slog:
// единые ключи атрибутов и конструктор логгера по окружению.
package sl

import (
	"io"
	"log/slog"
	"os"
)

// Окружения, определяющие формат логов.
const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Err возвращает slog.Attr с ключом "error" и значением текста ошибки.
//
// Пример:
//
//	log.Error("failed to do something", sl.Err(err))
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

// Op — имя операции, в которой пишется запись.
func Op(op string) slog.Attr {
	return slog.String("op", op)
}

// UserID — идентификатор пользователя.
func UserID(id string) slog.Attr {
	return slog.String("user_id", id)
}

// New создаёт логгер: текстовый для local, JSON для dev и prod.
func New(env string) *slog.Logger {
	return newLogger(env, os.Stdout)
}

func newLogger(env string, w io.Writer) *slog.Logger {
	switch env {
	case EnvDev:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case EnvProd:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}

// Discard возвращает логгер, отбрасывающий записи.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
