package store

import (
	"encoding/json"

	"gorm.io/gorm/clause"

	"docpipe/internal/model"
)

func tokenUsageJSON(u *model.TokenUsage) (string, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// gormExprRetryCountPlusOne builds a `retry_count = retry_count + 1` SQL
// expression so the increment is atomic at the database layer rather than
// read-modify-write in Go.
func gormExprRetryCountPlusOne() clause.Expr {
	return clause.Expr{SQL: "retry_count + 1"}
}
