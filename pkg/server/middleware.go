package server

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"cloudemu/pkg/awsid"
	"cloudemu/pkg/log"
)

const requestIDKey = "request_id"

// requestIDMiddleware assigns the request id and stamps it on the response under every name the
// AWS SDKs read it from. x-amz-id-2 is S3's extended id.
func requestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := awsid.RequestID()
		c.Set(requestIDKey, id)
		h := c.Response().Header()
		h.Set("X-Amz-Request-Id", id)
		h.Set("X-Amzn-Requestid", id)
		h.Set("X-Amz-Id-2", awsid.Token(48))
		return next(c)
	}
}

func requestID(c echo.Context) string {
	id, _ := c.Get(requestIDKey).(string)
	return id
}

// accessLogMiddleware writes one zerolog line per request.
func accessLogMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogURI:     true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := log.Info()
			if v.Status >= 500 {
				event = log.Error()
			}
			event.
				Str("request_id", requestID(c)).
				Int("status", v.Status).
				Str("method", v.Method).
				Str("uri", v.URI).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})
}
