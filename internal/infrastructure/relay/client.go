package relay

import (
	"sync"

	"boardnet/internal/core/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const sendBuffer = 256

type client struct {
	id          string
	conn        *websocket.Conn
	participant string
	user        domain.UserID
	limiter     *rate.Limiter

	send chan []byte
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	cause string
}

func newClient(conn *websocket.Conn, participant string, user domain.UserID) *client {
	return &client{
		id:          uuid.NewString(),
		conn:        conn,
		participant: participant,
		user:        user,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
}

// enqueue never blocks. A client that cannot keep up is disconnected and
// resyncs on reconnect.
func (c *client) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.kickWith("slow consumer")
	}
}

func (c *client) kick() { c.kickWith("") }

func (c *client) kickWith(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.cause = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *client) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}
