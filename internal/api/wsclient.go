package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/gorilla/websocket"
	"github.com/lagrangedao/go-compute-market/internal/models"
)

const (
	pingInterval = 15 * time.Second
	writeWait    = 10 * time.Second
)

var upgrade = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WsClient writes events to one websocket connection. All data frames are
// written from Stream; the read loop only watches for the peer going away.
type WsClient struct {
	client *websocket.Conn
	stopCh chan struct{}
	once   sync.Once
}

func NewWsClient(client *websocket.Conn) *WsClient {
	ws := &WsClient{
		client: client,
		stopCh: make(chan struct{}),
	}
	client.SetCloseHandler(func(code int, text string) error {
		logs.GetLogger().Debugf("event stream closed by client: %d %s", code, text)
		ws.Close()
		return nil
	})
	return ws
}

func (ws *WsClient) Close() {
	ws.once.Do(func() {
		close(ws.stopCh)
		ws.client.Close()
	})
}

// Context returns a context cancelled when parent is done or the client leaves.
func (ws *WsClient) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-ws.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ReadMessage drains client frames so pongs and close frames are handled.
func (ws *WsClient) ReadMessage() {
	ws.client.SetReadDeadline(time.Now().Add(2 * pingInterval))
	ws.client.SetPongHandler(func(string) error {
		return ws.client.SetReadDeadline(time.Now().Add(2 * pingInterval))
	})
	go func() {
		defer ws.Close()
		for {
			if _, _, err := ws.client.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Stream writes each event as a JSON text frame until events closes, ctx is
// done or a write fails.
func (ws *WsClient) Stream(ctx context.Context, events <-chan models.Event) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				ws.client.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "event bus closed"), time.Now().Add(writeWait))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logs.GetLogger().Errorf("Failed convert to json, error: %+v", err)
				continue
			}
			ws.client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.client.WriteMessage(websocket.TextMessage, data); err != nil {
				logs.GetLogger().Debugf("event stream write: %v", err)
				return
			}
		case <-ticker.C:
			if err := ws.client.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-ws.stopCh:
			return
		}
	}
}
