package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "call:c1", SignalTopic("c1"))
	assert.Equal(t, "calls:bob", UserCallsTopic("bob"))
	assert.Equal(t, "call-record:c1", CallRecordTopic("c1"))

	for _, ok := range []string{"call:c1", "calls:bob", "call-record:c1"} {
		assert.NoError(t, ValidTopic(ok), ok)
	}
	for _, bad := range []string{"", "call:", "calls:", "lobby", "callz:x"} {
		assert.Error(t, ValidTopic(bad), bad)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	mErr := fmt.Errorf("acquire: %w", &MediaAccessError{Kind: MediaPermissionDenied, Err: ErrPermissionDenied})
	assert.ErrorIs(t, mErr, ErrPermissionDenied)
	var target *MediaAccessError
	assert.ErrorAs(t, mErr, &target)
	assert.Equal(t, MediaPermissionDenied, target.Kind)

	cause := errors.New("subscribe timeout")
	cErr := &ChannelError{CallID: "c1", Err: cause}
	assert.ErrorIs(t, cErr, cause)
	assert.Contains(t, cErr.Error(), "c1")

	nErr := &NegotiationError{Reason: "answer without offer"}
	assert.Equal(t, "negotiation: answer without offer", nErr.Error())
	assert.NoError(t, errors.Unwrap(nErr))
}
