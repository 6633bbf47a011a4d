package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/absmach/fedsync/node"
	"github.com/absmach/fedsync/pkg/api"
	"github.com/absmach/supermq"
	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodySize = 1024 * 1024 * 64

func MakeHandler(svc node.Service, logger *slog.Logger, svcName, instanceID string) http.Handler {
	mux := chi.NewRouter()

	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(apiutil.LoggingErrorEncoder(logger, api.EncodeError)),
	}

	mux.Post("/updates", otelhttp.NewHandler(kithttp.NewServer(
		submitUpdateEndpoint(svc),
		decodeUpdateReq,
		api.EncodeResponse,
		opts...,
	), "submit-update").ServeHTTP)

	mux.Post("/updates/cbor", otelhttp.NewHandler(kithttp.NewServer(
		submitUpdateCBOREndpoint(svc),
		decodeCBORUpdateReq,
		api.EncodeResponse,
		opts...,
	), "submit-update-cbor").ServeHTTP)

	mux.Post("/clear", otelhttp.NewHandler(kithttp.NewServer(
		submitClearEndpoint(svc),
		decodeClearReq,
		api.EncodeResponse,
		opts...,
	), "submit-clear").ServeHTTP)

	mux.Post("/close", otelhttp.NewHandler(kithttp.NewServer(
		submitCloseEndpoint(svc),
		decodeCloseReq,
		api.EncodeResponse,
		opts...,
	), "submit-close").ServeHTTP)

	mux.Post("/sync", otelhttp.NewHandler(kithttp.NewServer(
		synchronizeEndpoint(svc),
		decodeEmptyReq,
		api.EncodeResponse,
		opts...,
	), "synchronize").ServeHTTP)

	mux.Get("/status", otelhttp.NewHandler(kithttp.NewServer(
		statusEndpoint(svc),
		decodeEmptyReq,
		api.EncodeResponse,
		opts...,
	), "status").ServeHTTP)

	mux.Get("/health", supermq.Health(svcName, instanceID))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func decodeJSON(r *http.Request, v any) error {
	if !strings.Contains(r.Header.Get("Content-Type"), api.ContentType) {
		return errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		return errors.Join(err, apiutil.ErrValidation)
	}

	return nil
}

func decodeUpdateReq(_ context.Context, r *http.Request) (any, error) {
	var req updateReq
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeCBORUpdateReq(_ context.Context, r *http.Request) (any, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), api.CBORContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}

	return cborUpdateReq{
		sender:  r.Header.Get(api.SenderHeader),
		payload: data,
	}, nil
}

func decodeClearReq(_ context.Context, r *http.Request) (any, error) {
	var req clearReq
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeCloseReq(_ context.Context, r *http.Request) (any, error) {
	var req closeReq
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeEmptyReq(_ context.Context, _ *http.Request) (any, error) {
	return emptyReq{}, nil
}
