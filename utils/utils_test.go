package utils

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToInt64(t *testing.T) {
	for _, v := range []interface{}{
		int(5), int64(5), uint64(5), float64(5), json.Number("5"), "5"} {
		res, ok := ToInt64(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, int64(5), res)
	}

	_, ok := ToInt64([]string{})
	assert.False(t, ok)
}

func TestMicroTimestamps(t *testing.T) {
	now := time.Unix(1700000000, 123456000)
	assert.Equal(t, now.UnixNano(), FromMicro(ToMicro(now)).UnixNano())
	assert.Equal(t, uint64(0), ToMicro(time.Time{}))
}

func TestBacktrace(t *testing.T) {
	plain := errors.New("plain")
	assert.Equal(t, "", Backtrace(plain))

	wrapped := WithStack(plain)
	assert.Contains(t, Backtrace(wrapped), "TestBacktrace")
}

func TestPanicToError(t *testing.T) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = PanicToError(r)
			}
		}()
		panic("boom")
	}()

	assert.Contains(t, err.Error(), "boom")
	assert.NotEqual(t, "", Backtrace(err))
}

func TestNewRandomId(t *testing.T) {
	id := NewRandomId("F.")
	assert.Equal(t, 18, len(id))
	assert.NotEqual(t, id, NewRandomId("F."))
}
