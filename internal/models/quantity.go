package models

import (
	"fmt"
	"math"
	"strconv"
)

// MilliPerUnit — количество тысячных долей в одной единице ресурса.
// Все объёмы хранятся в целых тысячных, чтобы суммы были точными.
const MilliPerUnit int64 = 1000

// Quantity — остаток или лимит ресурса. Безлимит выражается флагом Unlimited,
// а не большим конечным числом.
type Quantity struct {
	Unlimited bool  `json:"unlimited"`
	Milli     int64 `json:"milli"`
}

// Limited возвращает конечное количество в тысячных.
func Limited(milli int64) Quantity {
	return Quantity{Milli: milli}
}

// UnlimitedQuantity возвращает безлимит.
func UnlimitedQuantity() Quantity {
	return Quantity{Unlimited: true}
}

// Minus вычитает использованное; конечный остаток не опускается ниже нуля.
func (q Quantity) Minus(used int64) Quantity {
	if q.Unlimited {
		return q
	}
	rest := q.Milli - used
	if rest < 0 {
		rest = 0
	}
	return Limited(rest)
}

// Allows сообщает, помещается ли amount в остаток.
func (q Quantity) Allows(amount int64) bool {
	return q.Unlimited || amount <= q.Milli
}

func (q Quantity) String() string {
	if q.Unlimited {
		return "unlimited"
	}
	return FormatMilli(q.Milli)
}

// FromUnits переводит дробное количество единиц в тысячные с округлением.
func FromUnits(units float64) (int64, error) {
	if math.IsNaN(units) || math.IsInf(units, 0) {
		return 0, fmt.Errorf("invalid amount %v", units)
	}
	milli := math.Round(units * float64(MilliPerUnit))
	if milli > math.MaxInt64/2 || milli < math.MinInt64/2 {
		return 0, fmt.Errorf("amount %v out of range", units)
	}
	return int64(milli), nil
}

// FormatMilli печатает тысячные как десятичное число без хвостовых нулей.
func FormatMilli(milli int64) string {
	return strconv.FormatFloat(float64(milli)/float64(MilliPerUnit), 'f', -1, 64)
}
