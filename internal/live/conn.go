package live

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fasthttp/websocket"
)

// Conn is the part of a websocket connection the client uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with fasthttp/websocket. The zero value uses
// websocket.DefaultDialer.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Stopper is a pending reconnect timer.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests replace it with a manual clock.
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Frame is one inbound message. JSON reports whether Data parsed as JSON.
type Frame struct {
	Data []byte
	JSON bool
}

func newFrame(data []byte) Frame {
	return Frame{Data: data, JSON: json.Valid(data)}
}

func (f Frame) Text() string {
	return string(f.Data)
}

func (f Frame) Decode(v any) error {
	if !f.JSON {
		return errors.New("frame is not JSON")
	}
	return json.Unmarshal(f.Data, v)
}

// closeInfo extracts the close code from a read error. Anything that is not
// a close frame is an abnormal closure.
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
