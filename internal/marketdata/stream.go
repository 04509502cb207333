package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/observ"
)

// Stream keeps a last-price cache fed by a websocket miniTicker feed. The
// dashboard reads from it; the decision pipeline only ever uses the pull
// path, so a dead stream never degrades a cycle.
type Stream struct {
	url     string
	symbols []string
	log     zerolog.Logger

	mu     sync.RWMutex
	prices map[string]float64
}

func NewStream(url string, symbols []string) *Stream {
	return &Stream{
		url:     url,
		symbols: symbols,
		log:     observ.Component("marketdata.stream"),
		prices:  make(map[string]float64, len(symbols)),
	}
}

// LastPrice returns the most recent streamed price for symbol, if any.
func (s *Stream) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	return p, ok
}

// Run connects and consumes ticker events until ctx is canceled,
// reconnecting with a fixed backoff on any failure.
func (s *Stream) Run(ctx context.Context) {
	const backoff = 5 * time.Second
	for {
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("stream disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Stream) consume(ctx context.Context) error {
	streams := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		streams[i] = strings.ToLower(sym) + "@miniTicker"
	}
	url := s.url + "/" + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev struct {
			Symbol string `json:"s"`
			Close  string `json:"c"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("read ticker: %w", err)
		}
		price, err := strconv.ParseFloat(ev.Close, 64)
		if err != nil || price <= 0 {
			continue
		}
		s.mu.Lock()
		s.prices[ev.Symbol] = price
		s.mu.Unlock()
	}
}
