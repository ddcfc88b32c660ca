// Package stream consumes the Binance futures user-data stream and feeds
// classified order transitions to the reconciliation controller.
package stream

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"trade-mirror/internal/classify"
	"trade-mirror/pkg/db"
	"trade-mirror/pkg/logger"
)

const (
	keepAliveEvery = 30 * time.Minute
	reconnectDelay = 5 * time.Second
)

type streamClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	StreamHost() string
}

// Handler receives classified transitions, one at a time, in arrival order.
type Handler interface {
	HandleTransition(ctx context.Context, tr classify.Transition)
}

// UserStream owns one websocket connection to the user-data stream and
// reconnects until the context is done. All messages are handled on the
// read goroutine: ordering is the whole point, so there is no fan-out.
type UserStream struct {
	client  streamClient
	store   *db.Database
	handler Handler
}

func NewUserStream(client streamClient, store *db.Database, handler Handler) *UserStream {
	return &UserStream{client: client, store: store, handler: handler}
}

// Run blocks until ctx is done. Each connection failure is logged and
// followed by a fresh listen key and dial after a short delay; missed
// events are repaired by the caller running a full sync after reconnect.
func (s *UserStream) Run(ctx context.Context, onReconnect func(context.Context)) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			if onReconnect != nil {
				onReconnect(ctx)
			}
		}
		first = false

		if err := s.connectAndRead(ctx); err != nil {
			logger.Errorf("user stream: %v", err)
		}
	}
}

func (s *UserStream) connectAndRead(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	u := url.URL{Scheme: "wss", Host: s.client.StreamHost(), Path: "/ws/" + listenKey}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Infof("user stream connected to %s", s.client.StreamHost())

	// The dial side closes the socket on ctx cancel so ReadMessage unblocks.
	keepAliveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(keepAliveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-keepAliveCtx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(keepAliveCtx, listenKey); err != nil {
					logger.Warnf("user stream keepalive: %v", err)
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handleMessage(ctx, msg)
	}
}

func (s *UserStream) handleMessage(ctx context.Context, msg []byte) {
	var head struct {
		EventType string `json:"e"`
		Order     struct {
			Symbol string `json:"s"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		logger.Warnf("user stream parse: %v", err)
		return
	}
	if head.EventType == "" {
		return
	}

	// Every event is archived raw before interpretation, so a classifier
	// gap can be replayed from the database later.
	if err := s.store.InsertRawEvent(ctx, uuid.NewString(), head.EventType, head.Order.Symbol, string(msg)); err != nil {
		logger.Errorf("archive event %s: %v", head.EventType, err)
	}

	if head.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	var wrap struct {
		Order classify.OrderUpdate `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		logger.Warnf("user stream order update parse: %v", err)
		return
	}

	tr, ok := classify.Classify(wrap.Order)
	if !ok {
		return
	}
	s.handler.HandleTransition(ctx, tr)
}
