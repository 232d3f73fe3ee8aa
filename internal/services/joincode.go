package services

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/tyler-smith/go-bip39/wordlists"

	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/store"
)

// wordlist is the BIP39 English wordlist (2048 words).
// Two words plus a number give 2048 × 2048 × 100 = 419 million combinations.
var wordlist = wordlists.English

// JoinCodeService generates the human-readable codes customers and venue
// displays use to join an active session. Codes follow the pattern
// "word-word-number" (e.g. "apple-river-42").
type JoinCodeService struct {
	store store.Store
	rng   *rand.Rand
}

// NewJoinCodeService creates a JoinCodeService with its own random source.
func NewJoinCodeService(st store.Store) *JoinCodeService {
	return &JoinCodeService{
		store: st,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Generate creates a join code unique among active sessions, retrying on
// collisions. Returns an error if no unique code is found after 100 attempts.
func (s *JoinCodeService) Generate(ctx context.Context) (string, error) {
	maxAttempts := 100
	for i := 0; i < maxAttempts; i++ {
		word1 := wordlist[s.rng.Intn(len(wordlist))]
		word2 := wordlist[s.rng.Intn(len(wordlist))]
		num := s.rng.Intn(100)
		code := fmt.Sprintf("%s-%s-%d", word1, word2, num)

		var matches []models.Session
		err := s.store.Query(ctx, store.CollectionSessions, store.Query{
			Filters: []store.Filter{
				store.Where("joinCode", store.OpEq, code),
				store.Where("status", store.OpEq, string(models.SessionActive)),
			},
			Limit: 1,
		}, &matches)
		if err != nil {
			return "", fmt.Errorf("failed to check code uniqueness: %w", err)
		}

		if len(matches) == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique code after %d attempts", maxAttempts)
}
