package models

import (
	"fmt"
	"strings"
	"time"
)

type RequestStatus string

const (
	StatusPending    RequestStatus = "PENDING"
	StatusAccepted   RequestStatus = "ACCEPTED"
	StatusPickedUp   RequestStatus = "PICKED_UP"
	StatusDelivering RequestStatus = "DELIVERING"
	StatusDelivered  RequestStatus = "DELIVERED"
	StatusCancelled  RequestStatus = "CANCELLED"
)

// AllStatuses lists every externally visible status in lifecycle order.
var AllStatuses = []RequestStatus{
	StatusPending,
	StatusAccepted,
	StatusPickedUp,
	StatusDelivering,
	StatusDelivered,
	StatusCancelled,
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (RequestStatus, error) {
	candidate := RequestStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == candidate {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsTerminal reports whether no further transition can leave this status.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// forward holds the single legal successor of each in-progress status.
// CANCELLED is reachable from every non-terminal status and is handled in CanTransition.
var forward = map[RequestStatus]RequestStatus{
	StatusPending:    StatusAccepted,
	StatusAccepted:   StatusPickedUp,
	StatusPickedUp:   StatusDelivering,
	StatusDelivering: StatusDelivered,
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to RequestStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	next, ok := forward[from]
	return ok && next == to
}

// Predecessor returns the only status that may move forward into s.
func Predecessor(s RequestStatus) (RequestStatus, bool) {
	for from, to := range forward {
		if to == s {
			return from, true
		}
	}
	return "", false
}

type DeliveryMode string

const (
	ModeWalker  DeliveryMode = "walker"
	ModeCyclist DeliveryMode = "cyclist"
)

// ParseDeliveryMode defaults an empty value to walker.
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch DeliveryMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeWalker:
		return ModeWalker, nil
	case ModeCyclist:
		return ModeCyclist, nil
	default:
		return "", fmt.Errorf("unknown delivery type %q", s)
	}
}

// Request is a single delivery request between a requester and a fulfiller
type Request struct {
	ID             string        `json:"id"`
	Item           string        `json:"item"`
	PickupLocation string        `json:"pickup"`
	DropLocation   string        `json:"drop_location"`
	PickupLat      *float64      `json:"pickup_lat"`
	PickupLng      *float64      `json:"pickup_lng"`
	DropLat        *float64      `json:"drop_lat"`
	DropLng        *float64      `json:"drop_lng"`
	Fare           string        `json:"fare"`
	DeliveryMode   DeliveryMode  `json:"delivery_type"`
	SecretCode     string        `json:"-"` // proof of handoff, only read by the completion gate
	Status         RequestStatus `json:"status"`
	FulfillerName  *string       `json:"fulfiller_name"` // set once, on claim
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Redacted returns a copy that is safe to hand to untrusted readers.
func (r Request) Redacted() Request {
	r.SecretCode = ""
	return r
}

// Fulfiller returns the claimed fulfiller name or "".
func (r Request) Fulfiller() string {
	if r.FulfillerName == nil {
		return ""
	}
	return *r.FulfillerName
}

// Mutation describes the change a conditional update applies.
type Mutation struct {
	Status        RequestStatus
	FulfillerName *string // nil leaves the stored value untouched
}
