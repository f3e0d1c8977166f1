package proto

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func validMessage() *Message {
	return &Message{
		MessageType:    AsyncRpcDispatch,
		MessageID:      "m1",
		ConversationID: "c1",
		SourcePeerID:   uuid.New(),
		TargetPeerID:   uuid.New(),
	}
}

func TestValidateOK(t *testing.T) {
	m := validMessage()
	p := &Payload{Request: &AsyncRpcRequest{Method: "Put"}}
	require.NoError(t, Validate(m, p))
}

func TestValidateRejectsEmptyIDs(t *testing.T) {
	m := validMessage()
	m.MessageID = ""
	require.Error(t, Validate(m, &Payload{Request: &AsyncRpcRequest{}}))
}

func TestValidateRejectsUnknownType(t *testing.T) {
	m := validMessage()
	m.MessageType = "Bogus"
	require.Error(t, Validate(m, &Payload{}))
}

func TestValidateRejectsAmbiguousPayload(t *testing.T) {
	m := validMessage()
	p := &Payload{Request: &AsyncRpcRequest{}, Response: &AsyncRpcResponse{}}
	require.Error(t, Validate(m, p))

	p2 := &Payload{}
	require.Error(t, Validate(m, p2))
}

func TestValidatePrincipalExactlyOne(t *testing.T) {
	m := validMessage()
	m.MessageType = Notification
	m.PrincipalIdentityInfo = &PrincipalIdentityInfo{
		AuthenticationToken: &AuthenticationToken{Type: "bearer", Data: "x"},
		SecurityPrincipal:   &SecurityPrincipal{SID: "s-1"},
	}
	require.Error(t, Validate(m, &Payload{NotificationData: []byte(`{}`)}))
}

func TestParseTokenProperties(t *testing.T) {
	props := ParseTokenProperties("user=alice;role=admin;empty=")
	require.Equal(t, "alice", props["user"])
	require.Equal(t, "admin", props["role"])
	require.Equal(t, "", props["empty"])
}

func TestMarshalPackedHasNoWhitespace(t *testing.T) {
	m := validMessage()
	buf, err := MarshalPacked(m)
	require.NoError(t, err)
	for _, b := range buf {
		require.NotEqual(t, byte('\n'), b)
	}
}
