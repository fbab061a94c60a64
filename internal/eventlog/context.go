package eventlog

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
)

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return middleware.GetReqID(ctx)
}
