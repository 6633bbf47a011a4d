// Package sdk is an HTTP client for fedsync nodes. It carries the messages a
// node sends to its peers and the operator calls used by the CLI.
package sdk

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/absmach/fedsync/node"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/sender"
	"github.com/absmach/fedsync/pkg/update"
)

const (
	CTJSON  string = "application/json"
	CTCBOR  string = "application/cbor"
	XSender string = "X-Sender"

	updatesEndpoint = "/updates"
	cborEndpoint    = "/updates/cbor"
	clearEndpoint   = "/clear"
	closeEndpoint   = "/close"
	syncEndpoint    = "/sync"
	statusEndpoint  = "/status"
)

type SDK interface {
	sender.Transport

	// Status reports the state of a node.
	//
	// example:
	//  st, _ := sdk.Status(ctx, "localhost:7070")
	//  fmt.Println(st.Progress.State)
	Status(ctx context.Context, nodeAddr string) (node.Status, error)

	// Synchronize asks a leader to start a new epoch in its cluster.
	//
	// example:
	//  _ = sdk.Synchronize(ctx, "localhost:7070")
	Synchronize(ctx context.Context, nodeAddr string) error
}

type Config struct {
	Scheme          string
	Timeout         time.Duration
	TLSVerification bool
	// CBOR sends updates in their binary encoding.
	CBOR bool
}

type fedSDK struct {
	scheme string
	cbor   bool
	client *http.Client
}

var _ SDK = (*fedSDK)(nil)

func NewSDK(cfg Config) SDK {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}

	return &fedSDK{
		scheme: scheme,
		cbor:   cfg.CBOR,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: !cfg.TLSVerification,
				},
			},
		},
	}
}

type updateReq struct {
	Sender string          `json:"sender"`
	Update json.RawMessage `json:"update"`
}

type clearReq struct {
	Sender string `json:"sender"`
	Epoch  uint64 `json:"epoch"`
}

type closeReq struct {
	Sender string `json:"sender"`
}

func (sdk *fedSDK) SendUpdate(ctx context.Context, dest, from string, r update.Record) error {
	if sdk.cbor {
		data, err := update.EncodeCBOR(r)
		if err != nil {
			return err
		}
		_, err = sdk.processRequest(ctx, http.MethodPost, sdk.url(dest, cborEndpoint), CTCBOR, from, data, http.StatusAccepted)

		return err
	}

	rec, err := update.Encode(r)
	if err != nil {
		return err
	}
	data, err := json.Marshal(updateReq{Sender: from, Update: rec})
	if err != nil {
		return err
	}
	_, err = sdk.processRequest(ctx, http.MethodPost, sdk.url(dest, updatesEndpoint), CTJSON, from, data, http.StatusAccepted)

	return err
}

func (sdk *fedSDK) SendClear(ctx context.Context, dest, from string, epoch uint64) error {
	data, err := json.Marshal(clearReq{Sender: from, Epoch: epoch})
	if err != nil {
		return err
	}
	_, err = sdk.processRequest(ctx, http.MethodPost, sdk.url(dest, clearEndpoint), CTJSON, from, data, http.StatusOK)

	return err
}

func (sdk *fedSDK) SendClose(ctx context.Context, dest, from string) error {
	data, err := json.Marshal(closeReq{Sender: from})
	if err != nil {
		return err
	}
	_, err = sdk.processRequest(ctx, http.MethodPost, sdk.url(dest, closeEndpoint), CTJSON, from, data, http.StatusOK)

	return err
}

func (sdk *fedSDK) Status(ctx context.Context, nodeAddr string) (node.Status, error) {
	body, err := sdk.processRequest(ctx, http.MethodGet, sdk.url(nodeAddr, statusEndpoint), CTJSON, "", nil, http.StatusOK)
	if err != nil {
		return node.Status{}, err
	}

	var st node.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return node.Status{}, err
	}

	return st, nil
}

func (sdk *fedSDK) Synchronize(ctx context.Context, nodeAddr string) error {
	_, err := sdk.processRequest(ctx, http.MethodPost, sdk.url(nodeAddr, syncEndpoint), CTJSON, "", nil, http.StatusOK)

	return err
}

// url resolves a node ID to its base URL. IDs are host:port pairs unless
// they already carry a scheme.
func (sdk *fedSDK) url(nodeAddr, endpoint string) string {
	base := strings.TrimSuffix(nodeAddr, "/")
	if !strings.Contains(base, "://") {
		base = sdk.scheme + "://" + base
	}

	return base + endpoint
}

func (sdk *fedSDK) processRequest(ctx context.Context, method, reqURL, contentType, from string, data []byte, expectedRespCode int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(data))
	if err != nil {
		return []byte{}, err
	}

	req.Header.Add("Content-Type", contentType)
	if from != "" {
		req.Header.Add(XSender, from)
	}

	resp, err := sdk.client.Do(req)
	if err != nil {
		return []byte{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return []byte{}, err
	}

	if resp.StatusCode != expectedRespCode {
		return []byte{}, responseError(resp.StatusCode, body)
	}

	return body, nil
}

func responseError(code int, body []byte) error {
	var res struct {
		Err string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &res); err == nil && res.Err != "" {
		msg = res.Err
	}

	switch code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", pkgerrors.ErrBackpressure, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", pkgerrors.ErrUnauthorized, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", pkgerrors.ErrInvalidData, msg)
	default:
		return fmt.Errorf("unexpected response code: %d: %s", code, msg)
	}
}
