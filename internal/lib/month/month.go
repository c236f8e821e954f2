// Package month вычисляет границы расчётных периодов по календарным месяцам.
package month

import (
	"time"
)

// Window возвращает полуинтервал [start, end) календарного месяца (UTC), содержащего t.
func Window(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Contains проверяет, что t попадает в [start, end).
func Contains(start, end, t time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

// Covers сообщает, что период [start, end) задан и содержит t.
// Нулевые границы означают, что период неизвестен.
func Covers(start, end, t time.Time) bool {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return false
	}
	return Contains(start, end, t)
}
