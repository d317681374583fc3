package rpc

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/service"

	"votechain/consensus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10

	subscriberBuffer = 64
	hubListenerID    = "rpc-event-hub"
)

// 推送给websocket订阅者的事件类型
const (
	EventTypeCommit  = "commit"
	EventTypeReject  = "reject"
	EventTypeSync    = "sync"
	EventTypeDropped = "dropped"
)

var eventTypes = map[string]string{
	consensus.EventCommit:       EventTypeCommit,
	consensus.EventReject:       EventTypeReject,
	consensus.EventChainSynced:  EventTypeSync,
	consensus.EventBlockDropped: EventTypeDropped,
}

// Event is one websocket frame on /events.
type Event struct {
	Type string              `json:"type"`
	Time time.Time           `json:"time"`
	Data jsoniter.RawMessage `json:"data"`
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
	quit chan struct{}
}

// EventHub 把consensus事件推送给所有websocket订阅者
// 订阅者跟不上时丢弃事件，不阻塞consensus
type EventHub struct {
	service.BaseService

	source      EventSource
	subscribers *cmap.CMap
	upgrader    websocket.Upgrader
}

func NewEventHub(source EventSource) *EventHub {
	hub := &EventHub{
		source:      source,
		subscribers: cmap.NewCMap(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	hub.BaseService = *service.NewBaseService(nil, "EventHub", hub)
	return hub
}

func (hub *EventHub) OnStart() error {
	for event, typ := range eventTypes {
		typ := typ
		if err := hub.source.AddListener(hubListenerID, event, func(data events.EventData) {
			hub.publish(typ, data)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (hub *EventHub) OnStop() {
	hub.source.RemoveListener(hubListenerID)
	for _, v := range hub.subscribers.Values() {
		sub := v.(*subscriber)
		sub.conn.Close()
	}
}

func (hub *EventHub) NumSubscribers() int {
	return hub.subscribers.Size()
}

func (hub *EventHub) publish(typ string, data events.EventData) {
	raw, err := jsoniter.Marshal(data)
	if err != nil {
		hub.Logger.Error("marshal event", "type", typ, "err", err)
		return
	}
	bz, err := jsoniter.Marshal(Event{Type: typ, Time: time.Now(), Data: raw})
	if err != nil {
		hub.Logger.Error("marshal event", "type", typ, "err", err)
		return
	}

	for _, v := range hub.subscribers.Values() {
		sub := v.(*subscriber)
		select {
		case sub.out <- bz:
		default:
			hub.Logger.Error("subscriber too slow, drop event", "subscriber", sub.id, "type", typ)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (hub *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !hub.IsRunning() {
		http.Error(w, "event hub not running", http.StatusServiceUnavailable)
		return
	}
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.Logger.Error("websocket upgrade", "remote", r.RemoteAddr, "err", err)
		return
	}

	sub := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, subscriberBuffer),
		quit: make(chan struct{}),
	}
	hub.subscribers.Set(sub.id, sub)
	hub.Logger.Info("subscriber connected", "subscriber", sub.id, "remote", r.RemoteAddr)

	go hub.readRoutine(sub)
	hub.writeRoutine(sub)

	hub.subscribers.Delete(sub.id)
	conn.Close()
	hub.Logger.Info("subscriber left", "subscriber", sub.id)
}

// readRoutine 只处理pong和关闭
func (hub *EventHub) readRoutine(sub *subscriber) {
	defer close(sub.quit)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				hub.Logger.Debug("subscriber read", "subscriber", sub.id, "err", err)
			}
			return
		}
	}
}

func (hub *EventHub) writeRoutine(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case bz := <-sub.out:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, bz); err != nil {
				hub.Logger.Error("write event", "subscriber", sub.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.quit:
			return
		case <-hub.Quit():
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = sub.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "node stopping"))
			return
		}
	}
}
