package roles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDirectory(t *testing.T) {
	d, err := NewDefault("+15550100")
	require.NoError(t, err)

	assert.Equal(t, DefaultRole, d.Default().ID)
	assert.Equal(t, "Default", d.Default().Label)

	r, ok := d.ForTone("2")
	require.True(t, ok)
	assert.Equal(t, RoleB, r.ID)
	assert.Equal(t, "RoleB", r.Label)
	assert.Contains(t, r.Instructions, "English AI assistant")

	op, ok := d.ForTone("4")
	require.True(t, ok)
	assert.True(t, op.Human())
	assert.Equal(t, "+15550100", op.TransferTo)

	_, ok = d.ForTone("9")
	assert.False(t, ok)
	_, ok = d.ForTone("#")
	assert.False(t, ok)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	d, err := NewDefault("+15550100")
	require.NoError(t, err)
	assert.Equal(t, DefaultRole, d.Resolve("").ID)
	assert.Equal(t, DefaultRole, d.Resolve("nope").ID)
	assert.Equal(t, RoleC, d.Resolve(RoleC).ID)
}

func TestWorkersExcludeHumanRoles(t *testing.T) {
	d, err := NewDefault("+15550100")
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-0", "worker-1", "worker-2", "worker-3", "worker-4", "worker-5"}, d.Workers())
	for _, r := range d.Queued() {
		assert.False(t, r.Human())
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New("Default", []Role{{ID: "Default"}}, nil)
	assert.Error(t, err, "ai role without instructions")

	_, err = New("Default", []Role{{ID: "Default", Instructions: "menu"}, {ID: "Op", Kind: KindHuman}}, nil)
	assert.Error(t, err, "human role without transfer target")

	_, err = New("Missing", []Role{{ID: "Default", Instructions: "menu"}}, nil)
	assert.Error(t, err, "unknown default")

	_, err = New("Default", []Role{{ID: "Default", Instructions: "menu"}}, map[string]string{"1": "Ghost"})
	assert.Error(t, err, "tone to unknown role")

	_, err = New("Default", []Role{{ID: "Default", Instructions: "a"}, {ID: "Default", Instructions: "b"}}, nil)
	assert.Error(t, err, "duplicate role")
}

func TestNewDefaultOperatorNumberRequired(t *testing.T) {
	_, err := NewDefault("")
	assert.Error(t, err)
}
