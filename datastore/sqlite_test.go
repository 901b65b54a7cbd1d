package datastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/flowrunner/utils"
)

type SQLiteTestSuite struct {
	BaseTestSuite
}

func (self *SQLiteTestSuite) SetupTest() {
	self.ctx = context.Background()
	self.clock = utils.NewMockClock(time.Unix(1700000000, 0))

	location := filepath.Join(self.T().TempDir(), "flows.sqlite")
	db, err := NewSQLiteDataStore(self.ctx, location, self.clock)
	assert.NoError(self.T(), err)
	self.datastore = db
}

func (self *SQLiteTestSuite) TearDownTest() {
	if self.datastore != nil {
		self.datastore.Close()
	}
}

func (self *SQLiteTestSuite) TestReopen() {
	location := filepath.Join(self.T().TempDir(), "reopen.sqlite")
	db, err := NewSQLiteDataStore(self.ctx, location, self.clock)
	assert.NoError(self.T(), err)
	assert.NoError(self.T(), db.Close())

	// The schema is created idempotently.
	db, err = NewSQLiteDataStore(self.ctx, location, self.clock)
	assert.NoError(self.T(), err)
	assert.NoError(self.T(), db.Close())
}

func TestSQLiteDatastore(t *testing.T) {
	suite.Run(t, &SQLiteTestSuite{})
}
