// Package quote maintains the latest observed quote per instrument in a
// shared, TTL-bounded Redis cache. The cache is deliberately visible to the
// request-serving layer so HTTP handlers never touch the streaming socket.
package quote

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultTTL bounds quote staleness: a dead feed degrades to "no data"
// within five minutes rather than serving arbitrarily old prices.
const DefaultTTL = 5 * time.Minute

// Quote is the latest successfully parsed trade-price record for one
// instrument.
type Quote struct {
	Code         string    `json:"stock_code"`
	Price        float64   `json:"current_price"`
	ChangeAmount int64     `json:"change_amount"`
	ChangeRate   float64   `json:"change_rate"`
	Sign         string    `json:"change_sign"`
	TradeTime    string    `json:"trade_time"`
	ObservedAt   time.Time `json:"updated_at"`
}

// signGlyphs maps the upstream direction codes to display glyphs.
var signGlyphs = map[string]string{
	"1": "↑",
	"2": "▲",
	"3": "=",
	"4": "↓",
	"5": "▼",
}

// SignGlyph returns the display glyph for a direction code, or "" for an
// unknown code.
func SignGlyph(sign string) string {
	return signGlyphs[sign]
}

// Cache stores the latest quote per instrument under realtime_price:{code}.
// Entries expire TTL after their last write; reads never refresh the TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a quote cache over the shared Redis client.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		client: client,
		ttl:    ttl,
	}
}

func cacheKey(code string) string {
	return fmt.Sprintf("realtime_price:%s", code)
}

// Put writes the latest quote for q.Code and resets its TTL.
func (c *Cache) Put(ctx context.Context, q Quote) error {
	if q.Code == "" {
		return fmt.Errorf("quote carries no instrument code")
	}

	observedAt := q.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	fields := map[string]interface{}{
		"stock_code":    q.Code,
		"current_price": strconv.FormatFloat(q.Price, 'f', -1, 64),
		"change_amount": strconv.FormatInt(q.ChangeAmount, 10),
		"change_rate":   strconv.FormatFloat(q.ChangeRate, 'f', -1, 64),
		"change_sign":   q.Sign,
		"trade_time":    q.TradeTime,
		"updated_at":    observedAt.Format(time.RFC3339),
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, cacheKey(q.Code), fields)
	pipe.Expire(ctx, cacheKey(q.Code), c.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store quote for %s: %w", q.Code, err)
	}

	return nil
}

// Get returns the latest quote for code. Absence (never written, or TTL
// expired) is reported as found=false, never as a zero-valued quote.
func (c *Cache) Get(ctx context.Context, code string) (Quote, bool, error) {
	fields, err := c.client.HGetAll(ctx, cacheKey(code)).Result()
	if err != nil {
		return Quote{}, false, fmt.Errorf("failed to read quote for %s: %w", code, err)
	}

	if len(fields) == 0 {
		return Quote{}, false, nil
	}

	q := Quote{
		Code:      fields["stock_code"],
		Sign:      fields["change_sign"],
		TradeTime: fields["trade_time"],
	}

	if q.Price, err = strconv.ParseFloat(fields["current_price"], 64); err != nil {
		return Quote{}, false, fmt.Errorf("corrupt price for %s: %w", code, err)
	}
	if q.ChangeAmount, err = strconv.ParseInt(fields["change_amount"], 10, 64); err != nil {
		return Quote{}, false, fmt.Errorf("corrupt change amount for %s: %w", code, err)
	}
	if q.ChangeRate, err = strconv.ParseFloat(fields["change_rate"], 64); err != nil {
		return Quote{}, false, fmt.Errorf("corrupt change rate for %s: %w", code, err)
	}

	if ts := fields["updated_at"]; ts != "" {
		if observedAt, err := time.Parse(time.RFC3339, ts); err == nil {
			q.ObservedAt = observedAt
		}
	}

	return q, true, nil
}
