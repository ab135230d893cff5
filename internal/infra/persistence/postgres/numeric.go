package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// decimalFromNumeric converts a scanned numeric back into a decimal.
func decimalFromNumeric(value pgtype.Numeric) (decimal.Decimal, error) {
	if !value.Valid {
		return decimal.Zero, nil
	}
	if value.Int == nil {
		return decimal.Zero, fmt.Errorf("numeric without digits")
	}
	return decimal.NewFromBigInt(value.Int, value.Exp), nil
}
