// Package routing derives sticky session keys and builds the handles used to
// ask the controller for a session placement.
package routing

import "strings"

// APIKind names one of the four API surfaces a session can serve.
type APIKind string

const (
	KindSubmission APIKind = "submission"
	KindDelivery   APIKind = "delivery"
	KindRelay      APIKind = "relay"
	KindAdmin      APIKind = "admin"
)

// Kinds lists every API kind in a stable order.
func Kinds() []APIKind {
	return []APIKind{KindSubmission, KindDelivery, KindRelay, KindAdmin}
}

func (k APIKind) Valid() bool {
	switch k {
	case KindSubmission, KindDelivery, KindRelay, KindAdmin:
		return true
	default:
		return false
	}
}

func ParseKind(raw string) (APIKind, bool) {
	k := APIKind(strings.ToLower(strings.TrimSpace(raw)))
	return k, k.Valid()
}

// SubmissionKey is the outbound-submission key: apex:local@domain.
func SubmissionKey(apex, local, domain string) string {
	return apex + ":" + local + "@" + domain
}

// DeliveryKey is the inbound-delivery key: apex:local@domain#service.
func DeliveryKey(apex, local, domain, service string) string {
	return SubmissionKey(apex, local, domain) + "#" + service
}

// AdminKey is apex, or apex:domain when a domain is given.
func AdminKey(apex, domain string) string {
	if domain == "" {
		return apex
	}
	return apex + ":" + domain
}

// RelayKey is the relay key: apex:origin->destination#service.
func RelayKey(apex, origin, destination, service string) string {
	return apex + ":" + origin + "->" + destination + "#" + service
}

// ChannelKey identifies a channel within a zone.
type ChannelKey struct {
	Apex        string `json:"apex"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Service     string `json:"service"`
}

func (k ChannelKey) String() string {
	return RelayKey(k.Apex, k.Origin, k.Destination, k.Service)
}
