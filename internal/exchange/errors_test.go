package exchange

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "rate_limited", KindRateLimited.String())
	assert.Equal(t, "rejected", KindRejected.String())
	assert.Equal(t, "network_error", KindNetwork.String())
	assert.Equal(t, "unauthorized", KindUnauthorized.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestErrorFormatAndUnwrap(t *testing.T) {
	cause := errors.New("insufficient balance")
	err := &Error{Kind: KindRejected, Op: "place_order", Err: cause}

	assert.Equal(t, "exchange place_order: rejected: insufficient balance", err.Error())
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(fmt.Errorf("outer: %w", err), cause))
}

func TestKindOf(t *testing.T) {
	err := netErr("fetch_order", errors.New("timeout"))
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.Equal(t, KindNetwork, KindOf(fmt.Errorf("wrapped: %w", err)))

	assert.Equal(t, KindUnknown, KindOf(errors.New("untyped")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&Error{Kind: KindRateLimited, Op: "op", Err: errors.New("429")}))
	assert.True(t, Retryable(netErr("op", errors.New("reset"))))

	assert.False(t, Retryable(reject("op", "bad lot size")))
	assert.False(t, Retryable(&Error{Kind: KindUnauthorized, Op: "op", Err: errors.New("bad key")}))
	assert.False(t, Retryable(errors.New("untyped")))
	assert.False(t, Retryable(nil))
}
