package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoParams struct {
	Text string `json:"text"`
}

func startServer(t *testing.T, callTimeout time.Duration) (*Server, string) {
	t.Helper()
	s := NewServer(callTimeout)
	s.Register("Echo.Say", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p echoParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
		}
		return echoParams{Text: "echo: " + p.Text}, nil
	})
	s.Register("Echo.Wait", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTimeout, ctx.Err())
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeListener(ln)
	t.Cleanup(s.Stop)
	return s, ln.Addr().String()
}

func TestCallRoundTrip(t *testing.T) {
	s, addr := startServer(t, time.Second)
	assert.Equal(t, 2, s.MethodCount())

	c, err := Dial(addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	for _, text := range []string{"one", "two"} {
		var out echoParams
		require.NoError(t, c.Call(context.Background(), "Echo.Say", echoParams{Text: text}, &out))
		assert.Equal(t, "echo: "+text, out.Text)
	}
}

func TestCallErrorsCarryStatus(t *testing.T) {
	_, addr := startServer(t, time.Second)
	c, err := Dial(addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	err = c.Call(context.Background(), "Echo.Missing", nil, nil)
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, http.StatusNotFound, rpcErr.Code)

	err = c.Call(context.Background(), "Echo.Say", "not an object", nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, http.StatusBadRequest, rpcErr.Code)
}

func TestCallDeadlinePropagates(t *testing.T) {
	_, addr := startServer(t, 0)
	c, err := Dial(addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = c.Call(ctx, "Echo.Wait", nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
