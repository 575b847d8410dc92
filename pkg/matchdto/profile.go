package matchdto

import "time"

// Profile is the durable player document.
type Profile struct {
	ID         string         `json:"id"`
	Logins     []string       `json:"logins,omitempty"`
	Username   string         `json:"username,omitempty"`
	Rating     int            `json:"rating"`
	GamesCount int            `json:"gamesCount"`
	Wins       int            `json:"wins"`
	Losses     int            `json:"losses"`
	Nonce      int            `json:"nonce"`
	Materials  map[string]int `json:"materials,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}
