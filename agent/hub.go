package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Client represents a single connected rendering client (a browser UI).
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of active clients and broadcasts view updates to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	logger     *slog.Logger
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// run owns the client set. A client whose buffer is full is dropped rather
// than allowed to stall the broadcast to everyone else.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("Client registered", slog.Int("clients", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug("Client unregistered", slog.Int("clients", len(h.clients)))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// command is what a rendering client sends over /ws. It mirrors the HTTP
// command API.
type command struct {
	Action string    `json:"action"`
	ID     string    `json:"id,omitempty"`
	Text   string    `json:"text,omitempty"`
	Array  []float64 `json:"array,omitempty"`
	Index  *int      `json:"index,omitempty"`
}

func (a *App) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 256)}
	if view, err := a.view(); err == nil {
		client.send <- view
	}
	a.hub.register <- client
	go client.writePump()
	go client.readPump(a)
}

func (c *Client) readPump(a *App) {
	defer func() {
		a.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			a.logger.Debug("Error decoding command", slog.String("error", err.Error()))
			continue
		}
		// the resulting view reaches every client through the hub
		if err := a.dispatch(cmd); err != nil {
			a.logger.Info("Command failed", slog.String("action", cmd.Action), slog.String("error", err.Error()))
		}
	}
}

func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
	}()
	for {
		message, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
