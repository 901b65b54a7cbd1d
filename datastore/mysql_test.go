package datastore

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/flowrunner/utils"
)

var mysql_tables = []string{
	"flows", "flow_requests", "flow_responses", "flow_results",
	"flow_log_entries", "output_plugin_log_entries", "client_messages",
	"flow_processing_requests", "hunts", "hunt_output_plugin_states",
	"user_notifications",
}

type MysqlTestSuite struct {
	BaseTestSuite

	conn_string string
}

func (self *MysqlTestSuite) SetupTest() {
	self.ctx = context.Background()
	self.clock = utils.NewMockClock(time.Unix(1700000000, 0))

	// Drop the tables to start a new test.
	db, err := sql.Open("mysql", self.conn_string)
	assert.NoError(self.T(), err)
	defer db.Close()

	for _, table := range mysql_tables {
		_, err = db.Exec("DROP TABLE IF EXISTS " + table)
		if err != nil {
			self.T().Skipf("Unable to contact mysql - skipping: %v", err)
			return
		}
	}

	self.datastore, err = NewMySQLDataStore(self.ctx, self.conn_string, self.clock)
	assert.NoError(self.T(), err)
}

func (self *MysqlTestSuite) TearDownTest() {
	if self.datastore != nil {
		self.datastore.Close()
	}
}

func TestMysqlDatabase(t *testing.T) {
	// If a local testing mysql server is configured we can run
	// this test, otherwise skip it.
	conn_string := os.Getenv("FLOWRUNNER_MYSQL_DSN")
	if conn_string == "" {
		t.Skip("FLOWRUNNER_MYSQL_DSN not set")
	}

	suite.Run(t, &MysqlTestSuite{conn_string: conn_string})
}
