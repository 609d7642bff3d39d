package plume

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainOrdersOutermostFirst(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Request) (any, error) {
				order = append(order, name+":before")
				result, err := next(ctx, req)
				order = append(order, name+":after")
				return result, err
			}
		}
	}

	handler := Chain(func(_ context.Context, _ *Request) (any, error) {
		order = append(order, "handler")
		return "ok", nil
	}, tag("outer"), tag("inner"))

	result, err := handler(context.Background(), NewRequest(MethodFind, "todo"))
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
}

func TestChainSkipsNilMiddleware(t *testing.T) {
	handler := Chain(func(_ context.Context, _ *Request) (any, error) {
		return 42, nil
	}, nil, nil)

	result, err := handler(context.Background(), NewRequest(MethodFind, "todo"))
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestMiddlewareCanShortCircuit(t *testing.T) {
	reached := false
	handler := Chain(func(_ context.Context, _ *Request) (any, error) {
		reached = true
		return nil, nil
	}, func(Handler) Handler {
		return func(_ context.Context, _ *Request) (any, error) {
			return nil, NewBadRequest("rejected before dispatch")
		}
	})

	_, err := handler(context.Background(), NewRequest(MethodCreate, "todo"))
	require.Error(t, err)
	assert.Equal(t, 400, StatusOf(err))
	assert.False(t, reached)
}

func TestMiddlewareCanRewriteParams(t *testing.T) {
	handler := Chain(func(_ context.Context, req *Request) (any, error) {
		return req.Params["user"], nil
	}, func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			req.Params["user"] = "alice"
			return next(ctx, req)
		}
	})

	result, err := handler(context.Background(), NewRequest(MethodFind, "todo"))
	require.NoError(t, err)
	assert.Equal(t, "alice", result)
}

func TestNewRequestNormalizesPath(t *testing.T) {
	req := NewRequest(MethodGet, "/api/todo/")
	assert.Equal(t, "api/todo", req.Path)
	assert.NotNil(t, req.Params)
}
