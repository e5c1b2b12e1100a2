package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeRegister    = "node.register"
	controlTypeRegisterAck = "node.register.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 128 * 1024
)

var (
	ErrInvalidRegistration    = errors.New("session: invalid registration")
	ErrInvalidRegistrationAck = errors.New("session: invalid registration ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Registration is the node->controller link-start payload.
type Registration struct {
	NodeID         string   `json:"node_id"`
	Segment        string   `json:"segment"`
	APIKinds       []string `json:"api_kinds"`
	BackendURL     string   `json:"backend_url"`
	AdminAddr      string   `json:"admin_addr"`
	PublicIdentity string   `json:"public_identity"`
	Capacity       int      `json:"capacity"`
	Active         int      `json:"active"`
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidRegistration)
	}
	if strings.TrimSpace(r.Segment) == "" {
		return fmt.Errorf("%w: missing segment", ErrInvalidRegistration)
	}
	if len(r.APIKinds) == 0 {
		return fmt.Errorf("%w: missing api_kinds", ErrInvalidRegistration)
	}
	for i, k := range r.APIKinds {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: api_kinds[%d] empty", ErrInvalidRegistration, i)
		}
	}
	if strings.TrimSpace(r.BackendURL) == "" {
		return fmt.Errorf("%w: missing backend_url", ErrInvalidRegistration)
	}
	if strings.TrimSpace(r.AdminAddr) == "" {
		return fmt.Errorf("%w: missing admin_addr", ErrInvalidRegistration)
	}
	if r.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidRegistration)
	}
	return nil
}

// RegistrationAck is the controller->node registration response.
type RegistrationAck struct {
	Status       string `json:"status"`
	Code         uint32 `json:"code"`
	Message      string `json:"message"`
	NodeID       string `json:"node_id"`
	ControllerID string `json:"controller_id"`
	TimestampMS  uint64 `json:"timestamp_ms"`
}

func (a RegistrationAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidRegistrationAck)
	}
	if strings.TrimSpace(a.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidRegistrationAck)
	}
	if status == AckStatusAccepted && strings.TrimSpace(a.ControllerID) == "" {
		return fmt.Errorf("%w: missing controller_id", ErrInvalidRegistrationAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidRegistrationAck)
	}
	return nil
}

type controlEnvelope struct {
	Type string           `json:"type"`
	Reg  *Registration    `json:"registration,omitempty"`
	Ack  *RegistrationAck `json:"registration_ack,omitempty"`
}

func WriteRegistration(w io.Writer, reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	return WriteJSONLine(w, controlEnvelope{
		Type: controlTypeRegister,
		Reg:  &reg,
	})
}

func ReadRegistration(r *bufio.Reader) (Registration, error) {
	var env controlEnvelope
	if err := ReadJSONLine(r, &env); err != nil {
		return Registration{}, err
	}
	if env.Type != controlTypeRegister || env.Reg == nil {
		return Registration{}, fmt.Errorf("%w: unexpected control type", ErrInvalidRegistration)
	}
	if err := env.Reg.Validate(); err != nil {
		return Registration{}, err
	}
	return *env.Reg, nil
}

func WriteRegistrationAck(w io.Writer, ack RegistrationAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return WriteJSONLine(w, controlEnvelope{
		Type: controlTypeRegisterAck,
		Ack:  &ack,
	})
}

func ReadRegistrationAck(r *bufio.Reader) (RegistrationAck, error) {
	var env controlEnvelope
	if err := ReadJSONLine(r, &env); err != nil {
		return RegistrationAck{}, err
	}
	if env.Type != controlTypeRegisterAck || env.Ack == nil {
		return RegistrationAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidRegistrationAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return RegistrationAck{}, err
	}
	return *env.Ack, nil
}

// WriteJSONLine writes v as one newline-terminated JSON document.
func WriteJSONLine(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

// ReadJSONLine reads one newline-terminated JSON document into v.
func ReadJSONLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	if len(line) > maxControlLine {
		return ErrControlMessageTooLarge
	}
	return json.Unmarshal(line, v)
}
