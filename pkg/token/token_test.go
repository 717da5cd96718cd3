package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_NotCancelledInitially(t *testing.T) {
	tok := New(context.Background())
	assert.False(t, tok.IsCancelled())
	assert.NoError(t, tok.Err())
}

func TestToken_CancelIsIdempotent(t *testing.T) {
	tok := New(context.Background())
	tok.Cancel()
	tok.Cancel()

	assert.True(t, tok.IsCancelled())
	require.Error(t, tok.Err())
}

func TestToken_DoneClosesOnCancel(t *testing.T) {
	tok := New(context.Background())
	select {
	case <-tok.Done():
		t.Fatal("done channel closed before cancellation")
	default:
	}

	tok.Cancel()
	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel did not close after cancellation")
	}
}

func TestToken_InheritsParentCancellation(t *testing.T) {
	parentCtx, parentCancel := context.WithCancel(context.Background())
	tok := New(parentCtx)
	parentCancel()

	<-tok.Done()
	assert.True(t, tok.IsCancelled())
}

func TestToken_CtxReflectsUnderlyingContext(t *testing.T) {
	tok := New(context.Background())
	assert.NotNil(t, tok.Ctx())
	assert.NoError(t, tok.Ctx().Err())
}
