// Package smtp предоставляет интерфейсы для работы с SMTP.
package smtp

import "io"

// Client открытое соединение с SMTP сервером. Реализуется gomail.SendCloser.
type Client interface {
	Send(from string, to []string, msg io.WriterTo) error
	Close() error
}

// TransportInterface интерфейс для SMTP транспорта.
type TransportInterface interface {
	Connect() (Client, error)
	GetSMTPUser() string
}
