package models

// UserScore is one leaderboard row. Points is the raw ledger sum for the
// window; Score is what the ranking mode produced from it.
type UserScore struct {
	UserID string  `json:"user_id"`
	Points int64   `json:"points"`
	Score  float64 `json:"score"`
}
