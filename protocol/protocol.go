package protocol

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

func GetSockAddress() string {
	return "/var/run/camtex.sock"
}

type Action string

const (
	ActionStart  Action = "START"
	ActionStop   Action = "STOP"
	ActionSwitch Action = "SWITCH"
	ActionStatus Action = "STATUS"
)

// ParseAction accepts the action names case-sensitively.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionStart, ActionStop, ActionSwitch, ActionStatus:
		return a, nil
	}
	return "", errors.Errorf("unknown action %q", s)
}

type Req struct {
	Action Action            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

type Res struct {
	Status Status            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Extras map[string]string `json:"extras,omitempty"`
}

// Err returns the error carried by an error response.
func (r *Res) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	if r.Error == "" {
		return errors.Errorf("request failed with status %s", r.Status)
	}
	return errors.New(r.Error)
}

func ReadReq(r io.Reader) (*Req, error) {
	var req Req
	err := json.NewDecoder(r).Decode(&req)
	return &req, err
}

func ReadRes(r io.Reader) (*Res, error) {
	var res Res
	err := json.NewDecoder(r).Decode(&res)
	return &res, err
}

func WriteReq(w io.Writer, action Action, params map[string]string) error {
	req := Req{
		Action: action,
		Params: params,
	}
	return json.NewEncoder(w).Encode(&req)
}

func WriteSuccessRes(w io.Writer, extras map[string]string) error {
	res := Res{
		Status: StatusSuccess,
		Extras: extras,
	}
	return json.NewEncoder(w).Encode(&res)
}

func WriteErrorRes(w io.Writer, err error) error {
	res := Res{
		Status: StatusError,
		Error:  err.Error(),
	}
	return json.NewEncoder(w).Encode(&res)
}
