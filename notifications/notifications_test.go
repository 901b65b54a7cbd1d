package notifications

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	gomail "gopkg.in/gomail.v2"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/datastore"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/utils"
)

type recordingSender struct {
	mu       sync.Mutex
	messages []*gomail.Message
}

func (self *recordingSender) DialAndSend(m ...*gomail.Message) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.messages = append(self.messages, m...)
	return nil
}

type NotificationsTestSuite struct {
	suite.Suite

	config_obj *config.Config
	db         datastore.DataStore
	sender     *recordingSender
	restore    func()
}

func (self *NotificationsTestSuite) SetupTest() {
	self.config_obj = config.GetDefaultConfig()
	self.db = datastore.NewMemoryDataStore(utils.RealClock{})
	self.sender = &recordingSender{}
	self.restore = SetMailSender(self.sender)
}

func (self *NotificationsTestSuite) TearDownTest() {
	self.restore()
}

func (self *NotificationsTestSuite) TestNotifyUser() {
	ctx := context.Background()
	notifier := NewUserNotifier(self.config_obj, self.db, utils.RealClock{})

	err := notifier.NotifyUser(ctx, &flows_proto.UserNotification{
		Username:  "admin",
		Type:      "FlowError",
		Reference: "C.1/F.1",
		Message:   "Flow failed",
	})
	assert.NoError(self.T(), err)

	stored, err := self.db.ReadUserNotifications(ctx, "admin")
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(stored))
	assert.True(self.T(), stored[0].Timestamp > 0)

	// No notification domain so nothing is mailed.
	assert.Equal(self.T(), 0, len(self.sender.messages))

	self.config_obj.Mail.NotificationDomain = "example.com"
	err = notifier.NotifyUser(ctx, &flows_proto.UserNotification{
		Username: "admin", Type: "FlowCompleted", Message: "Done",
	})
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(self.sender.messages))
	assert.Equal(self.T(), []string{"admin@example.com"},
		self.sender.messages[0].GetHeader("To"))
}

func (self *NotificationsTestSuite) TestNotificationPool() {
	pool := NewNotificationPool()
	defer pool.Shutdown()

	c, cancel := pool.Listen("C.1")
	defer cancel()
	assert.True(self.T(), pool.IsClientConnected("C.1"))

	pool.Notify("C.1")
	select {
	case <-c:
	case <-time.After(time.Second):
		self.T().Fatalf("Notification not received")
	}
	assert.False(self.T(), pool.IsClientConnected("C.1"))

	// A second listener replaces the first.
	c1, _ := pool.Listen("C.2")
	c2, cancel2 := pool.Listen("C.2")
	defer cancel2()

	_, ok := <-c1
	assert.False(self.T(), ok)

	pool.NotifyByRegex(regexp.MustCompile("^C\\.2$"), 0)
	select {
	case <-c2:
	case <-time.After(time.Second):
		self.T().Fatalf("Notification not received")
	}
}

func TestNotifications(t *testing.T) {
	suite.Run(t, &NotificationsTestSuite{})
}
