//go:build js && wasm

package reconws

import (
	"syscall/js"

	"github.com/pkg/errors"
)

// jsHandle binds the browser WebSocket to the EventHandle contract.
// All accesses happen on the host's single event loop, so no locking
// is required despite the handle being shared with the core.
type jsHandle struct {
	ws    js.Value
	funcs []js.Func
}

// NewBrowserHandleFactory returns a HandleFactory over the browser
// WebSocket constructor, for use with NewEventTransport.
func NewBrowserHandleFactory() HandleFactory {
	return func(url string) (EventHandle, error) {
		ctor := js.Global().Get("WebSocket")
		if ctor.IsUndefined() {
			return nil, errors.New("reconws: WebSocket constructor unavailable")
		}
		var ws js.Value
		err := jsTry(func() { ws = ctor.New(url) })
		if err != nil {
			return nil, err
		}
		ws.Set("binaryType", "arraybuffer")
		return &jsHandle{ws: ws}, nil
	}
}

func (h *jsHandle) SendText(text string) error {
	return jsTry(func() { h.ws.Call("send", text) })
}

func (h *jsHandle) SendBinary(data []byte) error {
	buf := js.Global().Get("Uint8Array").New(len(data))
	js.CopyBytesToJS(buf, data)
	return jsTry(func() { h.ws.Call("send", buf) })
}

func (h *jsHandle) Close() error {
	err := jsTry(func() { h.ws.Call("close") })
	for _, fn := range h.funcs {
		fn.Release()
	}
	h.funcs = nil
	return err
}

func (h *jsHandle) SetOnMessage(fn func(payload any)) {
	h.set("onmessage", fn == nil, func(args []js.Value) {
		data := args[0].Get("data")
		switch {
		case data.Type() == js.TypeString:
			fn(data.String())
		case data.InstanceOf(js.Global().Get("ArrayBuffer")):
			view := js.Global().Get("Uint8Array").New(data)
			out := make([]byte, view.Get("byteLength").Int())
			js.CopyBytesToGo(out, view)
			fn(out)
		default:
			fn(data)
		}
	})
}

func (h *jsHandle) SetOnError(fn func(err error)) {
	h.set("onerror", fn == nil, func(args []js.Value) {
		fn(errors.New("reconws: websocket error event"))
	})
}

func (h *jsHandle) SetOnOpen(fn func()) {
	h.set("onopen", fn == nil, func([]js.Value) { fn() })
}

func (h *jsHandle) SetOnClose(fn func()) {
	h.set("onclose", fn == nil, func([]js.Value) { fn() })
}

func (h *jsHandle) set(prop string, clear bool, body func(args []js.Value)) {
	if clear {
		h.ws.Set(prop, js.Null())
		return
	}
	cb := js.FuncOf(func(_ js.Value, args []js.Value) any {
		body(args)
		return nil
	})
	h.funcs = append(h.funcs, cb)
	h.ws.Set(prop, cb)
}

// jsTry converts a thrown JavaScript exception into an error.
func jsTry(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("reconws: %v", r)
		}
	}()
	fn()
	return nil
}
