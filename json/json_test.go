package json

import (
	"testing"

	"github.com/Velocidex/ordereddict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDictKeepsOrder(t *testing.T) {
	dict := ordereddict.NewDict().Set("Z", 1).Set("A", "x")
	assert.Equal(t, `{"Z":1,"A":"x"}`, MustMarshalString(dict))

	parsed, err := ParseDict([]byte(`{"Z":1,"A":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Z", "A"}, parsed.Keys())
}

func TestMarshalJsonl(t *testing.T) {
	rows := []*ordereddict.Dict{
		ordereddict.NewDict().Set("A", 1),
		ordereddict.NewDict().Set("A", 2),
	}
	serialized, err := MarshalJsonl(rows)
	require.NoError(t, err)
	assert.Equal(t, "{\"A\":1}\n{\"A\":2}\n", string(serialized))
}

func TestCopyDictIsIndependent(t *testing.T) {
	in := ordereddict.NewDict().Set("A", "1")
	out := CopyDict(in)
	out.Set("A", "2")

	value, _ := in.Get("A")
	assert.Equal(t, "1", value)
}
