package api

import (
	"net/http"

	"github.com/absmach/fedsync/node"
	"github.com/absmach/supermq"
)

var (
	_ supermq.Response = (*ackResponse)(nil)
	_ supermq.Response = (*statusResponse)(nil)
)

type ackResponse struct {
	accepted bool
}

func (r ackResponse) Code() int {
	if r.accepted {
		return http.StatusAccepted
	}

	return http.StatusOK
}

func (r ackResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r ackResponse) Empty() bool {
	return true
}

type statusResponse struct {
	node.Status
}

func (r statusResponse) Code() int {
	return http.StatusOK
}

func (r statusResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r statusResponse) Empty() bool {
	return false
}
