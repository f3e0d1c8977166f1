// Package proto implements the broker-protocol message envelope (spec.md
// §3 "Broker-protocol message", §6 "Broker-protocol envelope") and its
// validation rules (spec.md 4.D.1), encoded as packed JSON.
package proto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType enumerates the broker-protocol message kinds blobfabric
// recognizes. AsyncRpcDispatch carries a request/response payload;
// BackendAssociateTargetPeerId is the proxy's associate message (4.E.2);
// Notification carries NotificationData.
type MessageType string

const (
	AsyncRpcDispatch             MessageType = "AsyncRpcDispatch"
	BackendAssociateTargetPeerId MessageType = "BackendAssociateTargetPeerId"
	Notification                MessageType = "Notification"
)

func (t MessageType) valid() bool {
	switch t {
	case AsyncRpcDispatch, BackendAssociateTargetPeerId, Notification:
		return true
	default:
		return false
	}
}

// AuthenticationToken is one of the two PrincipalIdentityInfo variants.
type AuthenticationToken struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// SecurityPrincipal is the other PrincipalIdentityInfo variant.
type SecurityPrincipal struct {
	SID        string  `json:"sid"`
	GivenName  *string `json:"givenName,omitempty"`
	FamilyName *string `json:"familyName,omitempty"`
	Email      *string `json:"email,omitempty"`
	TypeID     *string `json:"typeId,omitempty"`
}

// PrincipalIdentityInfo carries exactly one of AuthenticationToken or
// SecurityPrincipal (spec.md §3).
type PrincipalIdentityInfo struct {
	AuthenticationToken *AuthenticationToken `json:"authenticationToken,omitempty"`
	SecurityPrincipal   *SecurityPrincipal   `json:"securityPrincipal,omitempty"`
}

func (p *PrincipalIdentityInfo) hasExactlyOne() bool {
	if p == nil {
		return true // absent is fine; the field itself is optional
	}
	n := 0
	if p.AuthenticationToken != nil {
		n++
	}
	if p.SecurityPrincipal != nil {
		n++
	}
	return n == 1
}

// AsyncRpcRequest/AsyncRpcResponse are the two payload shapes valid for an
// AsyncRpcDispatch message; Payload must carry exactly one.
type AsyncRpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type AsyncRpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Payload is the opaque associated object carried alongside a Message.
type Payload struct {
	Request          *AsyncRpcRequest  `json:"request,omitempty"`
	Response         *AsyncRpcResponse `json:"response,omitempty"`
	NotificationData json.RawMessage   `json:"notificationData,omitempty"`
}

// Message is the broker-protocol envelope (spec.md §3/§6).
type Message struct {
	MessageType           MessageType            `json:"messageType"`
	MessageID             string                 `json:"messageId"`
	ConversationID         string                 `json:"conversationId"`
	SourcePeerID           uuid.UUID              `json:"sourcePeerId"`
	TargetPeerID           uuid.UUID              `json:"targetPeerId"`
	PrincipalIdentityInfo *PrincipalIdentityInfo `json:"principalIdentityInfo,omitempty"`
}

// Validate enforces spec.md 4.D.1: non-empty messageId/conversationId, a
// recognized messageType, a well-formed PrincipalIdentityInfo if present,
// and for AsyncRpcDispatch messages, a payload carrying exactly one of
// request/response.
func Validate(m *Message, p *Payload) error {
	if m == nil {
		return fmt.Errorf("proto: message is nil")
	}
	if m.MessageID == "" {
		return fmt.Errorf("proto: messageId is empty")
	}
	if m.ConversationID == "" {
		return fmt.Errorf("proto: conversationId is empty")
	}
	if !m.MessageType.valid() {
		return fmt.Errorf("proto: unrecognized messageType %q", m.MessageType)
	}
	if !m.PrincipalIdentityInfo.hasExactlyOne() {
		return fmt.Errorf("proto: principalIdentityInfo must carry exactly one of authenticationToken/securityPrincipal")
	}
	if info := m.PrincipalIdentityInfo; info != nil {
		if t := info.AuthenticationToken; t != nil && (t.Type == "" || t.Data == "") {
			return fmt.Errorf("proto: authenticationToken requires non-empty type and data")
		}
		if s := info.SecurityPrincipal; s != nil && s.SID == "" {
			return fmt.Errorf("proto: securityPrincipal requires non-empty sid")
		}
	}
	if m.MessageType == AsyncRpcDispatch {
		if p == nil {
			return fmt.Errorf("proto: AsyncRpcDispatch requires a payload")
		}
		n := 0
		if p.Request != nil {
			n++
		}
		if p.Response != nil {
			n++
		}
		if n != 1 {
			return fmt.Errorf("proto: AsyncRpcDispatch payload must carry exactly one of request/response, got %d", n)
		}
	}
	return nil
}

// MarshalPacked serializes v as whitespace-free JSON, matching spec.md §6
// ("Implementations must emit packed JSON").
func MarshalPacked(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; strip it to keep the
	// bytes exactly "packed" for length-prefixed embedding.
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return out, nil
}

// UnmarshalPacked is the inverse of MarshalPacked.
func UnmarshalPacked(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// ParseTokenProperties parses a `key=value;key2=value2` text token body
// (spec.md §6 "Text tokens may optionally be key=value;... property
// lists"), restoring behavior original_source/'s AuthorizationServiceRest.h
// implements but spec.md's distillation only mentions in passing.
func ParseTokenProperties(body string) map[string]string {
	out := make(map[string]string)
	start := 0
	for i := 0; i <= len(body); i++ {
		if i == len(body) || body[i] == ';' {
			pair := body[start:i]
			start = i + 1
			if pair == "" {
				continue
			}
			for j := 0; j < len(pair); j++ {
				if pair[j] == '=' {
					out[pair[:j]] = pair[j+1:]
					break
				}
			}
		}
	}
	return out
}
