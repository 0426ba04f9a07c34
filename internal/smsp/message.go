package smsp

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// Message types shared by both directions of the wire.
const (
	TypeLogin         = "login"
	TypeChat          = "chat"
	TypeJoin          = "join"
	TypeLeave         = "leave"
	TypeRTCOffer      = "rtc:offer"
	TypeRTCAnswer     = "rtc:answer"
	TypeRTCCandidates = "rtc:candidates"
	TypeRTCBye        = "rtc:bye"

	TypeReady  = "ready"
	TypeError  = "error"
	TypeJoined = "joined"
	TypeLeft   = "left"
)

// Error reasons delivered in an "error" message.
const (
	ReasonBadMessage      = "bad-message"
	ReasonBadFormat       = "bad-format"
	ReasonPolicyViolation = "policy-violation"
)

// Envelope is a client-to-server frame. Content is decoded per type.
type Envelope struct {
	To      string          `json:"to"`
	Txn     string          `json:"txn"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Delivery is a server-to-client frame.
type Delivery struct {
	From    string          `json:"from"`
	Type    string          `json:"type"`
	Txn     string          `json:"txn"`
	Content json.RawMessage `json:"content"`
}

// Per-type content schemas. Required fields are pointers so that
// presence, not zero-ness, is what gets validated; the wire allows
// empty strings in most of them.

type LoginContent struct {
	Nickname string `json:"nickname" validate:"required,handle"`
}

type ChatContent struct {
	Text *string `json:"text" validate:"required"`
}

type JoinContent struct {
	Greeting string `json:"greeting"`
}

type LeaveContent struct {
	Will string `json:"will"`
}

// OfferOptions carries the capability flags published with an offer.
type OfferOptions struct {
	PublishAudio bool `json:"publishAudio"`
	PublishVideo bool `json:"publishVideo"`
	PlanB        bool `json:"planB"`
}

type offerOptionsSchema struct {
	PublishAudio *bool `json:"publishAudio" validate:"required"`
	PublishVideo *bool `json:"publishVideo" validate:"required"`
	PlanB        *bool `json:"planB" validate:"required"`
}

type RTCOfferContent struct {
	SDP     *string             `json:"sdp" validate:"required"`
	Options *offerOptionsSchema `json:"options" validate:"required"`
}

type RTCAnswerContent struct {
	SDP *string `json:"sdp" validate:"required"`
}

// Candidate is one trickle-ICE candidate as carried on the wire.
type Candidate struct {
	Candidate     *string `json:"candidate" validate:"required"`
	SDPMid        *string `json:"sdpMid" validate:"required"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex" validate:"required"`
}

// RTCCandidatesContent requires at least one candidate: an empty batch
// is meaningless on the receiving side and is rejected as bad-format.
type RTCCandidatesContent struct {
	Candidates []Candidate `json:"candidates" validate:"required,min=1,dive"`
}

type RTCByeContent struct {
	Reason *string `json:"reason" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// "handle" is the nickname/room-name pattern [a-zA-Z0-9_]+.
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handleRe.MatchString(fl.Field().String())
	})
	return v
}

// decodeContent unmarshals raw into dst and runs schema validation.
func decodeContent(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
