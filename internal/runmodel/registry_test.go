package runmodel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"goa.design/agentcore/internal/runmodel"
)

func TestRegistry_PutGetRemove(t *testing.T) {
	t.Parallel()

	r := runmodel.NewRegistry()
	run := runmodel.Run{RunID: "run-1", ThreadID: "thread-1", AccountID: "acct-1"}
	r.Put(run)

	got, ok := r.Get("run-1")
	assert.True(t, ok)
	assert.Equal(t, "thread-1", got.ThreadID)
	assert.Equal(t, 1, r.Len())

	r.Remove("run-1")
	_, ok = r.Get("run-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}
