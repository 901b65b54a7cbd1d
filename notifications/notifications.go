package notifications

import (
	"context"
	"regexp"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	notificationCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frontend_notification_count",
		Help: "Number of notifications we issue.",
	})
)

// Clients waiting for work listen here and are woken when messages
// are queued for them.
type NotificationPool struct {
	mu      sync.Mutex
	clients map[string]chan bool
	done    chan bool
	closed  bool
}

func NewNotificationPool() *NotificationPool {
	return &NotificationPool{
		clients: make(map[string]chan bool),
		done:    make(chan bool),
	}
}

func (self *NotificationPool) IsClientConnected(client_id string) bool {
	self.mu.Lock()
	_, pres := self.clients[client_id]
	self.mu.Unlock()

	return pres
}

func (self *NotificationPool) Count() int {
	self.mu.Lock()
	defer self.mu.Unlock()

	return len(self.clients)
}

func (self *NotificationPool) Listen(client_id string) (chan bool, func()) {
	new_c := make(chan bool)

	self.mu.Lock()

	// Close any old channels and make a new one. An old listener
	// is unblocked and will have to listen again.
	c, pres := self.clients[client_id]
	if pres {
		defer close(c)
		delete(self.clients, client_id)
	}
	self.clients[client_id] = new_c
	self.mu.Unlock()

	return new_c, func() {
		self.mu.Lock()
		c, pres := self.clients[client_id]
		if pres && c == new_c {
			defer close(c)
			delete(self.clients, client_id)
		}
		self.mu.Unlock()
	}
}

func (self *NotificationPool) Notify(client_id string) {
	self.mu.Lock()
	c, pres := self.clients[client_id]
	if pres {
		notificationCounter.Inc()
		defer close(c)
		delete(self.clients, client_id)
	}
	self.mu.Unlock()
}

// Notify every listening client matching the regex. Notifications
// are spread out at per_second so the wakeups do not overwhelm the
// server.
func (self *NotificationPool) NotifyByRegex(re *regexp.Regexp, per_second float64) {
	// First take a snapshot of the current clients connected.
	self.mu.Lock()
	snapshot := make([]string, 0, len(self.clients))
	for key := range self.clients {
		if re.MatchString(key) {
			snapshot = append(snapshot, key)
		}
	}
	self.mu.Unlock()

	limiter_rate := rate.Inf
	if per_second > 0 {
		limiter_rate = rate.Limit(per_second)
	}
	limiter := rate.NewLimiter(limiter_rate, 1)

	subctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		select {
		case <-self.done:
		case <-subctx.Done():
		}
	}()

	go func() {
		defer cancel()

		for _, client_id := range snapshot {
			err := limiter.Wait(subctx)
			if err != nil {
				return
			}
			self.Notify(client_id)
		}
	}()
}

func (self *NotificationPool) NotifyAll(per_second float64) {
	self.NotifyByRegex(regexp.MustCompile("."), per_second)
}

func (self *NotificationPool) Shutdown() {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	close(self.done)

	// Send all the readers the quit signal and shut down the
	// pool.
	for _, c := range self.clients {
		close(c)
	}

	self.clients = make(map[string]chan bool)
}
