package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Ender is a subscriber that frames the final message of a stream itself.
// End must close the subscriber.
type Ender interface {
	End([]byte) error
}

// Hub fans deployment log lines out to subscribers keyed by deployment uuid.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan countRequest
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	key     string
	payload []byte
	final   bool
}

type subscription struct {
	key    string
	client Subscriber
}

type countRequest struct {
	key   string
	reply chan int
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan countRequest),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.key]; !ok {
				h.clients[sub.key] = make(map[Subscriber]struct{})
			}
			h.clients[sub.key][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.key]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.key)
				}
			}
		case req := <-h.count:
			req.reply <- len(h.clients[req.key])
		case msg := <-h.broadcast:
			if msg.final {
				h.finishStream(msg)
				continue
			}
			if clients, ok := h.clients[msg.key]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.key)
				}
			}
		}
	}
}

func (h *Hub) finishStream(msg message) {
	for c := range h.clients[msg.key] {
		if e, ok := c.(Ender); ok {
			_ = e.End(msg.payload)
			continue
		}
		_ = c.Send(msg.payload)
		c.Close()
	}
	delete(h.clients, msg.key)
}

// Register adds a client to a deployment stream.
func (h *Hub) Register(key string, client Subscriber) {
	select {
	case h.register <- subscription{key: key, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(key string, client Subscriber) {
	select {
	case h.unreg <- subscription{key: key, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to all clients of a deployment stream.
func (h *Hub) Broadcast(key string, payload []byte) {
	select {
	case h.broadcast <- message{key: key, payload: payload}:
	case <-h.done:
	}
}

// Finish delivers payload as the last message of a deployment stream and
// closes every client on it. Broadcasts queued before it are sent first.
func (h *Hub) Finish(key string, payload []byte) {
	select {
	case h.broadcast <- message{key: key, payload: payload, final: true}:
	case <-h.done:
	}
}

// Subscribers returns the number of clients on a stream.
func (h *Hub) Subscribers(key string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{key: key, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close stops the hub and closes every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
