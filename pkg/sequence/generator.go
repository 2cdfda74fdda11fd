package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// Generator issues human-readable codes backed by a redis counter per
// prefix and day, e.g. GC-20260830-000A3F-KQ. The counter guarantees
// uniqueness; the random suffix keeps codes hard to guess.
type Generator struct {
	client *goredis.Client
}

var Module = fx.Module("sequence",
	fx.Provide(New),
)

func New(client *goredis.Client) *Generator {
	return &Generator{client: client}
}

const suffixAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func (g *Generator) Next(ctx context.Context, prefix string) (string, error) {
	day := time.Now().UTC().Format("20060102")
	key := fmt.Sprintf("seq:%s:%s", strings.ToLower(prefix), day)

	n, err := g.client.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("sequence incr: %w", err)
	}
	if n == 1 {
		g.client.Expire(ctx, key, 48*time.Hour)
	}

	suffix, err := randomSuffix(2)
	if err != nil {
		return "", err
	}

	seq := strings.ToUpper(strconv.FormatInt(n, 36))
	if len(seq) < 6 {
		seq = strings.Repeat("0", 6-len(seq)) + seq
	}
	return fmt.Sprintf("%s-%s-%s-%s", strings.ToUpper(prefix), day, seq, suffix), nil
}

func (g *Generator) NextInstrumentCode(ctx context.Context, kind string) (string, error) {
	switch kind {
	case "gift_certificate":
		return g.Next(ctx, "GC")
	case "rain_check":
		return g.Next(ctx, "RC")
	default:
		return g.Next(ctx, "SV")
	}
}

func (g *Generator) NextRedemptionCode(ctx context.Context) (string, error) {
	return g.Next(ctx, "RD")
}

func randomSuffix(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = suffixAlphabet[idx.Int64()]
	}
	return string(b), nil
}
