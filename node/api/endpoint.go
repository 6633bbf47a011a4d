package api

import (
	"context"
	"errors"

	"github.com/absmach/fedsync/node"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/go-kit/kit/endpoint"
)

func submitUpdateEndpoint(svc node.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(updateReq)
		if !ok {
			return ackResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return ackResponse{}, errors.Join(apiutil.ErrValidation, err)
		}
		payload, err := req.payload()
		if err != nil {
			return ackResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		if err := svc.SubmitUpdate(ctx, req.Sender, payload); err != nil {
			return ackResponse{}, err
		}

		return ackResponse{accepted: true}, nil
	}
}

func submitUpdateCBOREndpoint(svc node.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(cborUpdateReq)
		if !ok {
			return ackResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return ackResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		if err := svc.SubmitUpdateCBOR(ctx, req.sender, req.payload); err != nil {
			return ackResponse{}, err
		}

		return ackResponse{accepted: true}, nil
	}
}

func submitClearEndpoint(svc node.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(clearReq)
		if !ok {
			return ackResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return ackResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		if err := svc.SubmitClear(ctx, req.Sender, req.Epoch); err != nil {
			return ackResponse{}, err
		}

		return ackResponse{}, nil
	}
}

func submitCloseEndpoint(svc node.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(closeReq)
		if !ok {
			return ackResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return ackResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		if err := svc.SubmitClose(ctx, req.Sender); err != nil {
			return ackResponse{}, err
		}

		return ackResponse{}, nil
	}
}

func synchronizeEndpoint(svc node.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		if err := svc.Synchronize(ctx); err != nil {
			return ackResponse{}, err
		}

		return ackResponse{}, nil
	}
}

func statusEndpoint(svc node.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		st, err := svc.Status(ctx)
		if err != nil {
			return statusResponse{}, err
		}

		return statusResponse{Status: st}, nil
	}
}
