package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veandco/go-sdl2/sdl"
)

type keyEvent struct {
	key     sdl.Keycode
	pressed bool
}

func keyboard(key sdl.Keycode, state uint8, repeat uint8) *sdl.KeyboardEvent {
	return &sdl.KeyboardEvent{
		Type:   sdl.KEYDOWN,
		State:  state,
		Repeat: repeat,
		Keysym: sdl.Keysym{Sym: key},
	}
}

func TestEscapePressRequestsClose(t *testing.T) {
	var keys []keyEvent
	w := &Window{onKey: func(key sdl.Keycode, pressed bool) {
		keys = append(keys, keyEvent{key, pressed})
	}}

	w.handleEvent(keyboard(sdl.K_a, sdl.PRESSED, 0))
	assert.False(t, w.ShouldClose())

	w.handleEvent(keyboard(sdl.K_ESCAPE, sdl.RELEASED, 0))
	assert.False(t, w.ShouldClose())

	w.handleEvent(keyboard(sdl.K_ESCAPE, sdl.PRESSED, 1))
	assert.False(t, w.ShouldClose(), "key repeats are not transitions")

	w.handleEvent(keyboard(sdl.K_ESCAPE, sdl.PRESSED, 0))
	assert.True(t, w.ShouldClose())

	assert.Equal(t, []keyEvent{
		{sdl.K_a, true},
		{sdl.K_ESCAPE, false},
		{sdl.K_ESCAPE, true},
	}, keys)
}

func TestQuitEventRequestsClose(t *testing.T) {
	w := &Window{}
	w.handleEvent(&sdl.QuitEvent{Type: sdl.QUIT})
	assert.True(t, w.ShouldClose())

	w.SetShouldClose(false)
	assert.False(t, w.ShouldClose())
}

func TestCopyFlipped(t *testing.T) {
	src := []byte{
		1, 1, 1, 1, 2, 2, 2, 2, // bottom row
		3, 3, 3, 3, 4, 4, 4, 4, // top row
	}
	pitch := 12
	dst := make([]byte, pitch*2)
	copyFlipped(dst, pitch, src, 2, 2)

	assert.Equal(t, []byte{3, 3, 3, 3, 4, 4, 4, 4}, dst[0:8])
	assert.Equal(t, []byte{1, 1, 1, 1, 2, 2, 2, 2}, dst[12:20])
}

func TestPresentRejectsWrongLength(t *testing.T) {
	w := &Window{}
	require.Error(t, w.Present(make([]byte, 10), 2, 2))
}

func TestDestroyTwice(t *testing.T) {
	w := &Window{destroyed: true}
	w.Destroy()
	assert.True(t, w.destroyed)
}
