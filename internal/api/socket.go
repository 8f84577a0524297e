package api

import (
	"context"

	"github.com/msageha/phasegraph/internal/uds"
)

// Register installs a socket handler for every command in the table.
// onError, when set, sees each failed operation before it is encoded.
func Register(srv *uds.Server, svc API, onError func(command string, err error)) {
	for _, name := range Commands() {
		srv.Handle(name, socketHandler(svc, name, onError))
	}
}

func socketHandler(svc API, command string, onError func(string, error)) uds.HandlerFunc {
	return func(ctx context.Context, req *uds.Request) *uds.Response {
		out, err := Dispatch(ctx, svc, command, req.Params)
		if err != nil {
			if onError != nil {
				onError(command, err)
			}
			code, msg := EncodeError(err)
			return uds.ErrorResponse(code, msg)
		}
		return uds.SuccessResponse(out)
	}
}
