package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerroldneal/mcp-broker/internal/protocol"
)

type fakeSender struct {
	closed bool
	reason string
}

func (f *fakeSender) Send(protocol.Frame) error { return nil }
func (f *fakeSender) Close(reason string)        { f.closed = true; f.reason = reason }

func TestInsertOrReplace(t *testing.T) {
	r := New()
	a := &fakeSender{}
	evicted, replaced := r.InsertOrReplace(&Entry{ID: "svc", ConnectedAt: time.Now(), Sender: a})
	assert.False(t, replaced, "first insert should not report a replacement")
	assert.Nil(t, evicted, "nothing should be evicted on first insert")

	b := &fakeSender{}
	evicted, replaced = r.InsertOrReplace(&Entry{ID: "svc", ConnectedAt: time.Now(), Sender: b})
	require.True(t, replaced, "second insert with same id should report a replacement")
	require.NotNil(t, evicted)
	assert.Equal(t, a, evicted.Sender, "evicted entry should be the first one")

	got, ok := r.Lookup("svc")
	require.True(t, ok)
	assert.Equal(t, b, got.Sender, "lookup should return the replacement entry")
	assert.Equal(t, 1, r.Count())
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	r.InsertOrReplace(&Entry{ID: "svc", Sender: &fakeSender{}})

	_, ok := r.Remove("svc")
	require.True(t, ok, "first remove should succeed")

	_, ok = r.Remove("svc")
	assert.False(t, ok, "second remove should be a no-op")
	assert.Equal(t, 0, r.Count())
}

func TestSnapshotPreservesRegistrationOrder(t *testing.T) {
	r := New()
	r.InsertOrReplace(&Entry{ID: "b", Sender: &fakeSender{}})
	r.InsertOrReplace(&Entry{ID: "a", Sender: &fakeSender{}})
	r.InsertOrReplace(&Entry{ID: "b", Sender: &fakeSender{}}) // replace, order unchanged

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].ID)
	assert.Equal(t, "a", snap[1].ID)
}

func TestToolDescriptorDefaultSchema(t *testing.T) {
	d := protocol.ToolDescriptor{Name: "greet"}.WithDefaultSchema()
	assert.JSONEq(t, string(protocol.DefaultInputSchema), string(d.InputSchema))
}
