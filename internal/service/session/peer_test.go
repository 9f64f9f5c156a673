package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"appforge/internal/model"
)

func TestPeer(t *testing.T) {
	p := newPeer(model.RoleOperator, "42", 2)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "", p.CloseReason())

	assert.True(t, p.enqueue([]byte("a")))
	assert.True(t, p.enqueue([]byte("b")))
	assert.False(t, p.enqueue([]byte("c")), "full queue must not block")

	p.setReplay([][]byte{[]byte("h1")})
	assert.Equal(t, [][]byte{[]byte("h1")}, p.TakeReplay())
	assert.Nil(t, p.TakeReplay(), "replay is handed out once")

	p.close(ReasonSlowConsumer)
	p.close(ReasonShutdown)
	assert.True(t, p.closed())
	assert.Equal(t, ReasonSlowConsumer, p.CloseReason())
	assert.False(t, p.enqueue([]byte("d")))

	// queued data is still readable after close
	assert.Equal(t, []byte("a"), <-p.Outbound())
}

func TestPeer_ZeroQueue(t *testing.T) {
	p := newPeer(model.RoleWorker, "42", 0)
	assert.True(t, p.enqueue([]byte("x")))
	assert.False(t, p.enqueue([]byte("y")))
	assert.NotEqual(t, newPeer(model.RoleWorker, "42", 0).ID, p.ID)
}
